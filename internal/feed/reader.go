package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/snnn1/engine-watchdog/internal/observ"
)

// Reader is the shared incremental-read primitive: the ingestion loop, the
// REST events endpoint and every WebSocket tail all consume the feed through
// it, each with an independent cursor.
type Reader struct {
	path string
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// ReadSince returns all events for runID with seq > sinceSeq in sequence
// order, plus the new high-water seq (== sinceSeq when nothing is new). A
// missing feed file is an empty result, not an error.
func (r *Reader) ReadSince(runID string, sinceSeq int64) ([]FeedEvent, int64, error) {
	events, err := r.scan(func(ev FeedEvent) bool {
		return ev.RunID == runID && ev.EventSeq > sinceSeq
	})
	if err != nil {
		return nil, sinceSeq, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].EventSeq < events[j].EventSeq })
	high := sinceSeq
	for _, ev := range events {
		if ev.EventSeq > high {
			high = ev.EventSeq
		}
	}
	return events, high, nil
}

// ReadRecent returns at most maxEvents of the newest feed events, oldest
// first, optionally filtered by runID (empty = all runs).
func (r *Reader) ReadRecent(runID string, maxEvents int) ([]FeedEvent, error) {
	events, err := r.scan(func(ev FeedEvent) bool {
		return runID == "" || ev.RunID == runID
	})
	if err != nil {
		return nil, err
	}
	if len(events) > maxEvents {
		events = events[len(events)-maxEvents:]
	}
	return events, nil
}

// RunIDs returns every run_id present in the feed with its high-water seq and
// the timestamp of its newest event.
func (r *Reader) RunIDs() (map[string]int64, map[string]FeedEvent, error) {
	high := map[string]int64{}
	latest := map[string]FeedEvent{}
	_, err := r.scan(func(ev FeedEvent) bool {
		if ev.EventSeq > high[ev.RunID] {
			high[ev.RunID] = ev.EventSeq
			latest[ev.RunID] = ev
		}
		return false
	})
	if err != nil {
		return nil, nil, err
	}
	return high, latest, nil
}

// MostRecentRun returns the run_id whose newest event has the latest
// timestamp, or "" for an empty feed.
func (r *Reader) MostRecentRun() (string, error) {
	_, latest, err := r.RunIDs()
	if err != nil {
		return "", err
	}
	var best string
	for runID, ev := range latest {
		if best == "" || ev.TimestampUTC.After(latest[best].TimestampUTC) {
			best = runID
		}
	}
	return best, nil
}

func (r *Reader) scan(keep func(FeedEvent) bool) ([]FeedEvent, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []FeedEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if first {
			line = stripBOM(line)
			first = false
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev FeedEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			observ.Debug("feed_read_malformed_line", map[string]any{"path": filepath.Base(r.path), "error": err.Error()})
			continue
		}
		if keep(ev) {
			out = append(out, ev)
		}
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
