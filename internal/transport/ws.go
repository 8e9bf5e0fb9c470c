package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/observ"
)

// HubConfig bounds the push surface.
type HubConfig struct {
	PollInterval      time.Duration
	SnapshotMaxEvents int
	SnapshotChunkSize int
	SendBuffer        int
	WriteTimeout      time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PollInterval:      time.Second,
		SnapshotMaxEvents: 500,
		SnapshotChunkSize: 100,
		SendBuffer:        256,
		WriteTimeout:      5 * time.Second,
	}
}

// Hub owns every push connection and the shared accept/drop/error counters.
// The counters are touched from multiple connection lifecycles concurrently,
// so they sit behind an explicit mutex.
type Hub struct {
	cfg    HubConfig
	reader *feed.Reader

	mu       sync.Mutex
	active   int
	accepted int64
	dropped  int64
	errors   int64
}

func NewHub(reader *feed.Reader, cfg HubConfig) *Hub {
	return &Hub{cfg: cfg, reader: reader}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Read-only monitoring surface; origin enforcement belongs to the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Health reports the connection counters for /ws-health.
func (h *Hub) Health() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"active_connections": h.active,
		"accepted_total":     h.accepted,
		"dropped_total":      h.dropped,
		"errors_total":       h.errors,
	}
}

func (h *Hub) connOpened() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active++
	h.accepted++
	observ.SetGauge("ws_active_connections", float64(h.active), nil)
}

func (h *Hub) connClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
	observ.SetGauge("ws_active_connections", float64(h.active), nil)
}

func (h *Hub) noteDrop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped++
}

func (h *Hub) noteError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
}

// wsMessage is the push envelope. Types: snapshot, snapshot_complete, event.
type wsMessage struct {
	Type   string           `json:"type"`
	Events []feed.FeedEvent `json:"events,omitempty"`
	Count  int              `json:"count,omitempty"`
}

// HandleWS upgrades one connection and serves it: chunked most-recent-N
// snapshot with a completion marker, then a fixed-interval tail, optionally
// filtered by run_id. Server-push only; inbound frames are drained solely to
// detect disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.noteError()
		observ.IncCounter("ws_upgrade_errors_total", nil)
		return
	}

	c := &wsClient{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		runID: r.URL.Query().Get("run_id"),
		send:  make(chan []byte, h.cfg.SendBuffer),
	}
	h.connOpened()
	observ.IncCounter("ws_connections_total", nil)
	observ.Log("ws_connected", map[string]any{"conn_id": c.id, "run_id": c.runID})

	// The upgraded connection outlives the handler return, and net/http
	// cancels r.Context() as soon as the handler exits, so the connection
	// lifecycle gets its own context. The pumps cancel it on any socket
	// error.
	ctx, cancel := context.WithCancel(context.Background())
	go c.writePump(cancel)
	go c.readPump(cancel)
	go c.run(ctx)
}

type wsClient struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	runID string
	send  chan []byte
}

// run drives the push side: the snapshot sub-task runs as its own goroutine
// and is joined before tailing starts and on teardown.
func (c *wsClient) run(ctx context.Context) {
	defer func() {
		close(c.send) // all writers have returned by now
		c.conn.Close()
		c.hub.connClosed()
		observ.Log("ws_disconnected", map[string]any{"conn_id": c.id})
	}()

	cursors := map[string]int64{}

	var snapWg sync.WaitGroup
	snapWg.Add(1)
	go func() {
		defer snapWg.Done()
		c.sendSnapshot(ctx, cursors)
	}()
	snapWg.Wait()
	if ctx.Err() != nil {
		return
	}

	c.tail(ctx, cursors)
}

// sendSnapshot pushes the most-recent-N events in bounded chunks followed by
// a completion marker, and primes the tail cursors with what was sent.
func (c *wsClient) sendSnapshot(ctx context.Context, cursors map[string]int64) {
	events, err := c.hub.reader.ReadRecent(c.runID, c.hub.cfg.SnapshotMaxEvents)
	if err != nil {
		c.hub.noteError()
		observ.Warn("ws_snapshot_read_error", map[string]any{"conn_id": c.id, "error": err.Error()})
		events = nil
	}
	for _, ev := range events {
		if ev.EventSeq > cursors[ev.RunID] {
			cursors[ev.RunID] = ev.EventSeq
		}
	}

	chunk := c.hub.cfg.SnapshotChunkSize
	for start := 0; start < len(events); start += chunk {
		if ctx.Err() != nil {
			return
		}
		end := start + chunk
		if end > len(events) {
			end = len(events)
		}
		c.push(wsMessage{Type: "snapshot", Events: events[start:end]})
	}
	c.push(wsMessage{Type: "snapshot_complete", Count: len(events)})
}

// tail polls the feed at a fixed interval and pushes anything past the
// per-run cursors. Within one run_id, delivered seq is non-decreasing.
func (c *wsClient) tail(ctx context.Context, cursors map[string]int64) {
	ticker := time.NewTicker(c.hub.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(cursors)
		}
	}
}

func (c *wsClient) pollOnce(cursors map[string]int64) {
	runs := []string{c.runID}
	if c.runID == "" {
		high, _, err := c.hub.reader.RunIDs()
		if err != nil {
			c.hub.noteError()
			return
		}
		runs = runs[:0]
		for runID := range high {
			runs = append(runs, runID)
		}
	}
	for _, runID := range runs {
		events, next, err := c.hub.reader.ReadSince(runID, cursors[runID])
		if err != nil {
			c.hub.noteError()
			continue
		}
		for _, ev := range events {
			c.push(wsMessage{Type: "event", Events: []feed.FeedEvent{ev}})
		}
		cursors[runID] = next
	}
}

// push hands a message to the write pump, dropping on backpressure rather
// than blocking the poll.
func (c *wsClient) push(msg wsMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.hub.noteError()
		return
	}
	select {
	case c.send <- b:
	default:
		c.hub.noteDrop()
		observ.IncCounter("ws_dropped_messages_total", nil)
	}
}

func (c *wsClient) writePump(cancel context.CancelFunc) {
	defer cancel()
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			c.hub.noteError()
			return
		}
	}
}

// readPump drains inbound frames; the client speaks no protocol beyond
// connect/disconnect, so any read error means teardown.
func (c *wsClient) readPump(cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
