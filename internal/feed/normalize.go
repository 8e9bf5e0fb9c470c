package feed

import (
	"time"
)

// Producers disagree on field names: the engine's v1 logger, its v2 logger
// and the gateway sidecar all emit the same logical fields under different
// keys. One normalizer per raw shape; each returns a canonical candidate and
// whether the shape matched. Detection is by key presence, tried in order.

// candidate is a FeedEvent before sequence assignment.
type candidate struct {
	runID       string
	timestamp   time.Time
	eventType   string
	tradingDate string
	stream      string
	instrument  string
	session     string
	data        map[string]any
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func payload(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

// normalizeV1 handles the engine's original logger shape:
// {"type": ..., "run": ..., "ts": ..., "date": ..., "stream": ...,
//  "instrument": ..., "session": ..., "payload": {...}}
func normalizeV1(m map[string]any) (candidate, bool) {
	if _, ok := m["type"]; !ok {
		return candidate{}, false
	}
	if _, ok := m["run"]; !ok {
		return candidate{}, false
	}
	ts, _ := parseTimestamp(str(m, "ts"))
	return candidate{
		runID:       str(m, "run"),
		timestamp:   ts,
		eventType:   str(m, "type"),
		tradingDate: str(m, "date"),
		stream:      str(m, "stream"),
		instrument:  str(m, "instrument"),
		session:     str(m, "session"),
		data:        payload(m, "payload"),
	}, true
}

// normalizeV2 handles the engine's structured logger shape, which is already
// close to canonical:
// {"event_type": ..., "run_id": ..., "timestamp_utc": ..., "trading_date": ...,
//  "stream": ..., "instrument": ..., "session": ..., "data": {...}}
func normalizeV2(m map[string]any) (candidate, bool) {
	if _, ok := m["event_type"]; !ok {
		return candidate{}, false
	}
	if _, ok := m["run_id"]; !ok {
		return candidate{}, false
	}
	ts, _ := parseTimestamp(str(m, "timestamp_utc"))
	return candidate{
		runID:       str(m, "run_id"),
		timestamp:   ts,
		eventType:   str(m, "event_type"),
		tradingDate: str(m, "trading_date"),
		stream:      str(m, "stream"),
		instrument:  str(m, "instrument"),
		session:     str(m, "session"),
		data:        payload(m, "data"),
	}, true
}

// normalizeGateway handles the gateway sidecar shape:
// {"evt": ..., "rid": ..., "time": ..., "tdate": ..., "strm": ...,
//  "symbol": ..., "sess": ..., "body": {...}}
func normalizeGateway(m map[string]any) (candidate, bool) {
	if _, ok := m["evt"]; !ok {
		return candidate{}, false
	}
	if _, ok := m["rid"]; !ok {
		return candidate{}, false
	}
	ts, _ := parseTimestamp(str(m, "time"))
	return candidate{
		runID:       str(m, "rid"),
		timestamp:   ts,
		eventType:   str(m, "evt"),
		tradingDate: str(m, "tdate"),
		stream:      str(m, "strm"),
		instrument:  str(m, "symbol"),
		session:     str(m, "sess"),
		data:        payload(m, "body"),
	}, true
}

var normalizers = []func(map[string]any) (candidate, bool){
	normalizeV2,
	normalizeV1,
	normalizeGateway,
}

// normalize maps one decoded raw line to a canonical candidate. Returns false
// when no shape matches or a required field (run_id, timestamp) is absent.
func normalize(m map[string]any) (candidate, bool) {
	for _, fn := range normalizers {
		c, ok := fn(m)
		if !ok {
			continue
		}
		if c.runID == "" || c.timestamp.IsZero() {
			return candidate{}, false
		}
		return c, true
	}
	return candidate{}, false
}
