// Package cursor persists the map of run_id -> last delivered event_seq that
// drives incremental feed consumption. The store is fail-open in both
// directions: an unreadable file loads as empty, and an unsaveable file keeps
// the in-memory cursor authoritative until the next successful save.
// Consumers must therefore tolerate re-delivery after a crash.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/snnn1/engine-watchdog/internal/observ"
)

type Store struct {
	path        string
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration

	sleep func(time.Duration)
}

func NewStore(path string, maxRetries, backoffBaseMs, backoffMaxMs int) *Store {
	return &Store{
		path:        path,
		maxRetries:  maxRetries,
		backoffBase: time.Duration(backoffBaseMs) * time.Millisecond,
		backoffMax:  time.Duration(backoffMaxMs) * time.Millisecond,
		sleep:       time.Sleep,
	}
}

// Load returns the persisted cursor map, or an empty map when the file is
// missing or corrupt. Never returns an error: a lost cursor only means
// re-delivery, which consumers already tolerate.
func (s *Store) Load() map[string]int64 {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			observ.Warn("cursor_load_error", map[string]any{"path": s.path, "error": err.Error()})
		}
		return map[string]int64{}
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		observ.Warn("cursor_corrupt", map[string]any{"path": s.path, "error": err.Error()})
		return map[string]int64{}
	}
	if m == nil {
		m = map[string]int64{}
	}
	return m
}

// Save writes the cursor map atomically (temp file + rename) with bounded
// retry and exponential backoff. Exhausting retries is logged, not fatal.
func (s *Store) Save(cursors map[string]int64) error {
	var lastErr error
	backoff := s.backoffBase
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(backoff)
			backoff *= 2
			if backoff > s.backoffMax {
				backoff = s.backoffMax
			}
			observ.IncCounter("cursor_save_retries_total", nil)
		}
		if lastErr = s.saveOnce(cursors); lastErr == nil {
			return nil
		}
	}
	observ.Warn("cursor_save_failed", map[string]any{
		"path":    s.path,
		"error":   lastErr.Error(),
		"retries": s.maxRetries,
	})
	return fmt.Errorf("save cursors after %d retries: %w", s.maxRetries, lastErr)
}

func (s *Store) saveOnce(cursors map[string]int64) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(cursors)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
