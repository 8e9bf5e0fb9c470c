package feed

import "time"

// FeedEvent is one normalized line of the shared feed file. Events are
// immutable once written; event_seq is per run_id, 1-based, strictly
// increasing with no gaps.
type FeedEvent struct {
	EventSeq       int64          `json:"event_seq"`
	RunID          string         `json:"run_id"`
	TimestampUTC   time.Time      `json:"timestamp_utc"`
	TimestampLocal time.Time      `json:"timestamp_local"`
	EventType      string         `json:"event_type"`
	TradingDate    string         `json:"trading_date,omitempty"`
	Stream         string         `json:"stream,omitempty"`
	Instrument     string         `json:"instrument,omitempty"`
	Session        string         `json:"session,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Heartbeat-class event types update engine liveness.
func IsHeartbeat(eventType string) bool {
	return eventType == "ENGINE_TICK"
}

// str pulls an optional string field out of a decoded raw line.
func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
