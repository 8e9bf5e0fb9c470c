package aggregator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snnn1/engine-watchdog/internal/config"
	"github.com/snnn1/engine-watchdog/internal/cursor"
	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/processor"
	"github.com/snnn1/engine-watchdog/internal/state"
	"github.com/snnn1/engine-watchdog/internal/timetable"
)

var aggBase = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

type harness struct {
	dir        string
	sourcePath string
	store      *cursor.Store
	mgr        *state.Manager
	agg        *Aggregator
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()

	timetablePath := filepath.Join(dir, "timetable.yaml")
	if _, err := os.Stat(timetablePath); os.IsNotExist(err) {
		require.NoError(t, os.WriteFile(timetablePath, []byte(
			"trading_date: \"2026-03-04\"\nstreams:\n  - name: ES-0900\n    instrument: ES\n    enabled: true\n"), 0o644))
	}

	provider := timetable.NewProvider(timetablePath, 18)
	mgr := state.NewManager(state.Config{
		TickStall:          30 * time.Second,
		StuckDefault:       5 * time.Minute,
		StuckPreHydration:  30 * time.Minute,
		StuckArmed:         2 * time.Hour,
		UnprotectedTimeout: 2 * time.Minute,
		DataStall:          time.Minute,
		RecoveryTimeout:    3 * time.Minute,
		StartupGrace:       2 * time.Minute,
		ConnStabilization:  time.Minute,
		SmoothingWindow:    1,
		RingCapacity:       50,
	}, timetable.Hours{OpenHour: 0, CloseHour: 24}, provider)
	mgr.SetClock(func() time.Time { return aggBase })

	sourcePath := filepath.Join(dir, "engine.log")
	gen := feed.NewGenerator(
		[]string{sourcePath},
		filepath.Join(dir, "feed.jsonl"),
		filepath.Join(dir, "generator-state.json"),
		config.DefaultAllowedTypes,
		10,
	)
	reader := feed.NewReader(filepath.Join(dir, "feed.jsonl"))
	store := cursor.NewStore(filepath.Join(dir, "cursors.json"), 3, 1, 10)

	return &harness{
		dir:        dir,
		sourcePath: sourcePath,
		store:      store,
		mgr:        mgr,
		agg:        New(gen, reader, store, processor.New(mgr), mgr, provider, 10*time.Millisecond),
	}
}

func appendSourceLines(t *testing.T, path string, lines []map[string]any) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		b, err := json.Marshal(line)
		require.NoError(t, err)
		_, err = f.Write(append(b, '\n'))
		require.NoError(t, err)
	}
}

func rawEvent(typ string, at time.Time, data map[string]any) map[string]any {
	return map[string]any{
		"event_type":    typ,
		"run_id":        "run-1",
		"timestamp_utc": at.Format(time.RFC3339),
		"trading_date":  "2026-03-04",
		"stream":        "ES-0900",
		"instrument":    "ES",
		"data":          data,
	}
}

func TestPass_IngestsSourceLogs(t *testing.T) {
	h := newHarness(t, t.TempDir())
	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("ENGINE_TICK", aggBase.Add(-time.Second), nil),
		rawEvent("STREAM_STATE_TRANSITION", aggBase.Add(-time.Second), map[string]any{"state": "ARMED"}),
		rawEvent("INTENT_EXPOSURE_REGISTERED", aggBase.Add(-time.Second), map[string]any{"intent_id": "i-1"}),
		{"noise": true}, // malformed producer line, skipped by the generator
	})

	h.agg.cursors = h.store.Load()
	h.agg.pass()

	info, ok := h.mgr.Stream(state.StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"})
	require.True(t, ok)
	assert.Equal(t, state.StreamArmed, info.State)
	assert.True(t, h.mgr.Status().EngineAlive)
	assert.Len(t, h.mgr.ActiveIntents(), 1)

	// The delivery cursor was persisted at the new high-water mark.
	assert.Equal(t, map[string]int64{"run-1": 3}, h.store.Load())
}

func TestPass_CursorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("STREAM_STATE_TRANSITION", aggBase, map[string]any{"state": "ARMED"}),
	})
	h.agg.cursors = h.store.Load()
	h.agg.pass()

	// Fresh aggregator, processor and manager over the same files: the
	// persisted cursor means nothing is re-delivered.
	h2 := newHarness(t, dir)
	h2.agg.cursors = h2.store.Load()
	h2.agg.pass()

	_, ok := h2.mgr.Stream(state.StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"})
	assert.False(t, ok)
}

func TestPass_LostCursorOnlyRedelivers(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("STREAM_STATE_TRANSITION", aggBase, map[string]any{"state": "ARMED"}),
	})
	h.agg.cursors = h.store.Load()
	h.agg.pass()

	require.NoError(t, os.Remove(filepath.Join(dir, "cursors.json")))

	h2 := newHarness(t, dir)
	h2.agg.cursors = h2.store.Load()
	h2.agg.pass()

	info, ok := h2.mgr.Stream(state.StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"})
	require.True(t, ok, "a lost cursor re-delivers the full run")
	assert.Equal(t, state.StreamArmed, info.State)
}

func TestPass_IncrementalAcrossPasses(t *testing.T) {
	h := newHarness(t, t.TempDir())
	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("INTENT_EXPOSURE_REGISTERED", aggBase, map[string]any{"intent_id": "i-1"}),
		rawEvent("INTENT_EXIT_FILL", aggBase, map[string]any{"intent_id": "i-1", "qty": 1.0}),
	})
	h.agg.cursors = h.store.Load()
	h.agg.pass()
	h.agg.pass() // no new source lines, nothing re-applied

	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("INTENT_EXIT_FILL", aggBase, map[string]any{"intent_id": "i-1", "qty": 1.0}),
	})
	h.agg.pass()

	intents := h.mgr.ActiveIntents()
	require.Len(t, intents, 1)
	assert.Equal(t, 2.0, intents[0].ExitFilledQty)
}

func TestRunPass_PanicBarrier(t *testing.T) {
	h := newHarness(t, t.TempDir())
	h.agg.gen = nil // forces a panic inside the pass
	h.agg.cooldown = time.Millisecond

	assert.NotPanics(t, func() { h.agg.runPass(context.Background()) })
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, t.TempDir())
	appendSourceLines(t, h.sourcePath, []map[string]any{
		rawEvent("STREAM_STATE_TRANSITION", aggBase, map[string]any{"state": "ARMED"}),
	})

	h.agg.Start(context.Background())
	defer h.agg.Stop()

	require.Eventually(t, func() bool {
		_, ok := h.mgr.Stream(state.StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"})
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
