// Package transport is the read-only delivery surface: REST polling and
// WebSocket push, both built on the same incremental feed reader the
// ingestion loop uses. Nothing here mutates watchdog state.
package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/observ"
	"github.com/snnn1/engine-watchdog/internal/state"
)

// StatusSource is the query facade the state manager provides.
type StatusSource interface {
	Status() state.Snapshot
	StreamStates() []state.StreamStateInfo
	ActiveIntents() []state.IntentExposureInfo
	RiskGates() map[string][]state.GateEntry
	UnprotectedPositions() []state.UnprotectedPosition
}

type Server struct {
	src    StatusSource
	reader *feed.Reader
	hub    *Hub
	mux    *http.ServeMux
}

func NewServer(src StatusSource, reader *feed.Reader, hub *Hub) *Server {
	s := &Server{src: src, reader: reader, hub: hub, mux: http.NewServeMux()}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/stream-states", s.handleStreamStates)
	s.mux.HandleFunc("/active-intents", s.handleActiveIntents)
	s.mux.HandleFunc("/risk-gates", s.handleRiskGates)
	s.mux.HandleFunc("/unprotected-positions", s.handleUnprotected)
	s.mux.HandleFunc("/ws-health", s.handleWSHealth)
	s.mux.HandleFunc("/ws", hub.HandleWS)
	s.mux.Handle("/metrics", observ.Handler())
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Debug("response_encode_error", map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.Status())
}

// eventsResponse is the cursor-shaped REST page: every event with
// seq > since_seq plus the new high-water seq.
type eventsResponse struct {
	RunID   string           `json:"run_id"`
	Events  []feed.FeedEvent `json:"events"`
	NextSeq int64            `json:"next_seq"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		recent, err := s.reader.MostRecentRun()
		if err != nil || recent == "" {
			http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
			return
		}
		runID = recent
	}

	var sinceSeq int64
	if raw := r.URL.Query().Get("since_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid since_seq", http.StatusBadRequest)
			return
		}
		sinceSeq = v
	}

	events, nextSeq, err := s.reader.ReadSince(runID, sinceSeq)
	if err != nil {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}
	if events == nil {
		events = []feed.FeedEvent{}
	}
	writeJSON(w, eventsResponse{RunID: runID, Events: events, NextSeq: nextSeq})
}

func (s *Server) handleStreamStates(w http.ResponseWriter, r *http.Request) {
	states := s.src.StreamStates()
	if states == nil {
		states = []state.StreamStateInfo{}
	}
	writeJSON(w, states)
}

func (s *Server) handleActiveIntents(w http.ResponseWriter, r *http.Request) {
	intents := s.src.ActiveIntents()
	if intents == nil {
		intents = []state.IntentExposureInfo{}
	}
	writeJSON(w, intents)
}

func (s *Server) handleRiskGates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.src.RiskGates())
}

func (s *Server) handleUnprotected(w http.ResponseWriter, r *http.Request) {
	positions := s.src.UnprotectedPositions()
	if positions == nil {
		positions = []state.UnprotectedPosition{}
	}
	writeJSON(w, positions)
}

func (s *Server) handleWSHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.Health())
}
