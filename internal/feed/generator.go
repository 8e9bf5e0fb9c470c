package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/time/rate"

	"github.com/snnn1/engine-watchdog/internal/observ"
)

// generatorState is the durable part of the generator: byte offsets per
// source file plus the last assigned sequence per run. Persisted alongside
// the feed so a re-invocation never re-emits.
type generatorState struct {
	Offsets map[string]int64 `json:"offsets"`
	LastSeq map[string]int64 `json:"last_seq"`
}

// Generator tails raw per-producer log files, normalizes them and appends to
// one shared feed file with per-run monotonic sequence numbers.
type Generator struct {
	sourcePaths      []string
	feedPath         string
	statePath        string
	allowed          map[string]bool
	state            generatorState
	malformedLimiter *rate.Limiter
}

func NewGenerator(sourcePaths []string, feedPath, statePath string, allowedTypes []string, malformedLogPerMinute int) *Generator {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	g := &Generator{
		sourcePaths:      sourcePaths,
		feedPath:         feedPath,
		statePath:        statePath,
		allowed:          allowed,
		state:            generatorState{Offsets: map[string]int64{}, LastSeq: map[string]int64{}},
		malformedLimiter: rate.NewLimiter(rate.Limit(float64(malformedLogPerMinute)/60), malformedLogPerMinute),
	}
	g.loadState()
	return g
}

// loadState is fail-open: a missing or corrupt state file means starting from
// offset zero, which only re-emits into a fresh feed.
func (g *Generator) loadState() {
	b, err := os.ReadFile(g.statePath)
	if err != nil {
		return
	}
	var s generatorState
	if err := json.Unmarshal(b, &s); err != nil {
		observ.Warn("feed_state_corrupt", map[string]any{"path": g.statePath, "error": err.Error()})
		return
	}
	if s.Offsets == nil {
		s.Offsets = map[string]int64{}
	}
	if s.LastSeq == nil {
		s.LastSeq = map[string]int64{}
	}
	g.state = s
}

func (g *Generator) saveState() error {
	if err := os.MkdirAll(filepath.Dir(g.statePath), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(g.state)
	if err != nil {
		return err
	}
	tmp := g.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, g.statePath)
}

// Generate reads new complete lines from every source file, normalizes and
// filters them, assigns sequence numbers and appends to the feed. Returns the
// number of events emitted. Idempotent per call given monotonic offsets.
func (g *Generator) Generate() (int, error) {
	// Offsets and sequence marks are staged and only committed once the
	// batch is on the feed. A failed append leaves the state untouched so
	// the next pass re-reads the same lines instead of skipping them.
	offsets := make(map[string]int64, len(g.sourcePaths))
	var batch []candidate
	for _, path := range g.sourcePaths {
		cands, newOffset, err := g.readSource(path, g.state.Offsets[path])
		if err != nil {
			observ.Warn("feed_source_read_error", map[string]any{"path": path, "error": err.Error()})
			continue
		}
		batch = append(batch, cands...)
		offsets[path] = newOffset
	}
	if len(batch) == 0 {
		g.commit(offsets, nil)
		return 0, g.saveState()
	}

	// Merge across source files by timestamp before sequence assignment so
	// per-run ordering reflects event time, not file iteration order.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].timestamp.Before(batch[j].timestamp)
	})

	lastSeq := make(map[string]int64)
	events := make([]FeedEvent, 0, len(batch))
	for _, c := range batch {
		seq, ok := lastSeq[c.runID]
		if !ok {
			seq = g.state.LastSeq[c.runID]
		}
		seq++
		lastSeq[c.runID] = seq
		events = append(events, FeedEvent{
			EventSeq:       seq,
			RunID:          c.runID,
			TimestampUTC:   c.timestamp,
			TimestampLocal: c.timestamp.Local(),
			EventType:      c.eventType,
			TradingDate:    c.tradingDate,
			Stream:         c.stream,
			Instrument:     c.instrument,
			Session:        c.session,
			Data:           c.data,
		})
	}

	if err := g.appendFeed(events); err != nil {
		return 0, fmt.Errorf("append feed: %w", err)
	}
	g.commit(offsets, lastSeq)
	if err := g.saveState(); err != nil {
		observ.Warn("feed_state_save_error", map[string]any{"error": err.Error()})
	}
	observ.IncCounterBy("feed_events_emitted_total", nil, int64(len(events)))
	return len(events), nil
}

func (g *Generator) commit(offsets, lastSeq map[string]int64) {
	for path, off := range offsets {
		g.state.Offsets[path] = off
	}
	for runID, seq := range lastSeq {
		g.state.LastSeq[runID] = seq
	}
}

// readSource reads complete lines starting at offset. A trailing partial line
// (producer mid-write) is left for the next call by not advancing past it.
func (g *Generator) readSource(path string, offset int64) ([]candidate, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if fi.Size() < offset {
		// Source truncated/rotated; start over.
		observ.Warn("feed_source_truncated", map[string]any{"path": path})
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	var cands []candidate
	r := bufio.NewReader(f)
	pos := offset
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// Partial trailing line stays unconsumed.
			break
		}
		pos += int64(len(line))
		line = stripBOM(line)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m map[string]any
		if jsonErr := json.Unmarshal(line, &m); jsonErr != nil {
			g.logMalformed(path, jsonErr)
			continue
		}
		c, ok := normalize(m)
		if !ok {
			observ.Debug("feed_event_dropped", map[string]any{"path": path, "reason": "unrecognized_or_incomplete"})
			continue
		}
		if !g.allowed[c.eventType] {
			continue
		}
		cands = append(cands, c)
	}
	return cands, pos, nil
}

func (g *Generator) appendFeed(events []FeedEvent) error {
	if err := os.MkdirAll(filepath.Dir(g.feedPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(g.feedPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (g *Generator) logMalformed(path string, err error) {
	observ.IncCounter("feed_malformed_lines_total", map[string]string{"source": filepath.Base(path)})
	if g.malformedLimiter.Allow() {
		observ.Warn("feed_malformed_line", map[string]any{"path": path, "error": err.Error()})
	}
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
