// Package aggregator composes the feed generator, cursor store, event
// processor and state manager into one background ingestion loop. The loop
// outlives failures in its own subject: a panic in a pass is caught, logged
// and retried after a cooldown rather than terminating the process.
package aggregator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snnn1/engine-watchdog/internal/cursor"
	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/observ"
	"github.com/snnn1/engine-watchdog/internal/processor"
	"github.com/snnn1/engine-watchdog/internal/state"
	"github.com/snnn1/engine-watchdog/internal/timetable"
)

type Aggregator struct {
	gen      *feed.Generator
	reader   *feed.Reader
	store    *cursor.Store
	proc     *processor.Processor
	mgr      *state.Manager
	calendar *timetable.Provider

	interval time.Duration
	cooldown time.Duration

	cursors map[string]int64
	dirty   bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(gen *feed.Generator, reader *feed.Reader, store *cursor.Store, proc *processor.Processor, mgr *state.Manager, calendar *timetable.Provider, interval time.Duration) *Aggregator {
	return &Aggregator{
		gen:      gen,
		reader:   reader,
		store:    store,
		proc:     proc,
		mgr:      mgr,
		calendar: calendar,
		interval: interval,
		cooldown: 5 * time.Second,
	}
}

// Start launches the ingestion loop. The persisted cursor map seeds the
// incremental reads; a lost cursor only re-delivers, which the processor
// de-duplicates.
func (a *Aggregator) Start(ctx context.Context) {
	a.cursors = a.store.Load()
	ctx, a.cancel = context.WithCancel(ctx)
	a.group, ctx = errgroup.WithContext(ctx)
	a.group.Go(func() error {
		a.loop(ctx)
		return nil
	})
	observ.Log("aggregator_started", map[string]any{
		"poll_interval": a.interval.String(),
		"known_runs":    len(a.cursors),
	})
}

// Stop cancels the loop, waits for it and saves the cursor a final time.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.group != nil {
		_ = a.group.Wait()
	}
	if a.dirty {
		_ = a.store.Save(a.cursors)
	}
	observ.Log("aggregator_stopped", nil)
}

func (a *Aggregator) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runPass(ctx)
		}
	}
}

// runPass executes one ingestion pass behind a panic barrier.
func (a *Aggregator) runPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			observ.Warn("ingestion_pass_panic", map[string]any{"panic": r})
			observ.IncCounter("ingestion_panics_total", nil)
			select {
			case <-ctx.Done():
			case <-time.After(a.cooldown):
			}
		}
	}()
	a.pass()
}

func (a *Aggregator) pass() {
	if _, err := a.gen.Generate(); err != nil {
		observ.Warn("feed_generate_error", map[string]any{"error": err.Error()})
	}

	high, _, err := a.reader.RunIDs()
	if err != nil {
		observ.Warn("feed_scan_error", map[string]any{"error": err.Error()})
		return
	}
	for runID, highSeq := range high {
		since := a.cursors[runID]
		if highSeq <= since {
			continue
		}
		events, next, err := a.reader.ReadSince(runID, since)
		if err != nil {
			observ.Warn("feed_read_error", map[string]any{"run_id": runID, "error": err.Error()})
			continue
		}
		a.proc.Process(events)
		a.cursors[runID] = next
		a.dirty = true
	}

	if a.dirty {
		if err := a.store.Save(a.cursors); err == nil {
			a.dirty = false
		}
	}

	a.mgr.ApplySafetyNets()
	a.mgr.RecomputeStatus()
	a.mgr.CleanupRolledDates(a.calendar.Current().TradingDate)
}
