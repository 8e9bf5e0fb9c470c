package state

import (
	"sort"
	"time"

	"github.com/snnn1/engine-watchdog/internal/timetable"
)

// All helpers here are pure functions of the locked state plus wall-clock and
// the calendar; callers hold at least the read lock.

func (m *Manager) tickAliveLocked(now time.Time) bool {
	if m.lastTick.IsZero() {
		return false
	}
	return now.Sub(m.lastTick) < m.cfg.TickStall
}

// graceAnchor is the reference point for the start-up grace period. The
// ENGINE_START event time wins when one was seen; otherwise the last engine
// tick stands in for engine start (see DESIGN.md, intentionally preserved).
func (m *Manager) graceAnchorLocked() time.Time {
	if !m.engineStartAt.IsZero() {
		return m.engineStartAt
	}
	if !m.lastTick.IsZero() {
		return m.lastTick
	}
	return m.startedAt
}

// rawActivityLocked is one unsmoothed reading of the coarse engine status.
// Tick age is the primary signal; with no recent tick the market-hours and
// bars-expected analysis splits IDLE from STALLED.
func (m *Manager) rawActivityLocked(now time.Time) ActivityState {
	if m.tickAliveLocked(now) {
		return ActivityFlowing
	}
	if !m.hours.IsOpen(now) {
		return ActivityIdle
	}
	cal := m.calendar.Current()
	if !m.anyBarsExpectedLocked(cal) {
		return ActivityIdle
	}
	if m.lastTick.IsZero() {
		// Never ticked: starting up is IDLE until the grace period lapses.
		if now.Sub(m.graceAnchorLocked()) < m.cfg.StartupGrace {
			return ActivityIdle
		}
		return ActivityStalled
	}
	return ActivityStalled
}

// effectiveRecoveryLocked applies the recovery safety nets to reads so the
// surface is correct even between loop passes that normalize stored state.
func (m *Manager) effectiveRecoveryLocked(now time.Time) RecoveryState {
	switch m.recovery {
	case RecoveryRunning:
		if !m.recoveryStartedAt.IsZero() && now.Sub(m.recoveryStartedAt) > m.cfg.RecoveryTimeout {
			return RecoveryConnectedOK
		}
	case RecoveryDisconnectFailClosed:
		if m.tickAliveLocked(now) {
			return RecoveryConnectedOK
		}
	}
	return m.recovery
}

func (m *Manager) effectiveConnLocked(now time.Time) ConnState {
	if m.conn == ConnLost && m.tickAliveLocked(now) &&
		now.Sub(m.connChangedAt) > m.cfg.ConnStabilization {
		return ConnConnected
	}
	return m.conn
}

// streamEnabled is fail-open: with no timetable every tracked stream counts
// as enabled.
func streamEnabled(cal timetable.Snapshot, name string) bool {
	if !cal.Available {
		return true
	}
	_, ok := cal.EnabledStreams()[name]
	return ok
}

// barsExpectedLocked reports whether any enabled, non-terminal, non-committed
// stream currently requires bars for the given tracked instrument name. The
// name is an execution-instrument full name ("MES 03-26") or a canonical
// symbol ("ES") when the producer reports bars at canonical granularity;
// the two are matched independently and never merged.
func (m *Manager) barsExpectedLocked(cal timetable.Snapshot, instrument string) bool {
	for _, info := range m.streams {
		if info.State.Terminal() || info.Committed || !info.State.NeedsBars() {
			continue
		}
		if !streamEnabled(cal, info.Key.Stream) {
			continue
		}
		if info.ExecutionInstrument == instrument || info.Instrument == instrument {
			return true
		}
	}
	return false
}

func (m *Manager) anyBarsExpectedLocked(cal timetable.Snapshot) bool {
	for _, info := range m.streams {
		if info.State.Terminal() || info.Committed || !info.State.NeedsBars() {
			continue
		}
		if streamEnabled(cal, info.Key.Stream) {
			return true
		}
	}
	return false
}

// dataStallsLocked computes per-execution-instrument stalls: market open AND
// (bar age past threshold OR no bar ever past the grace period), restricted
// to instruments some active stream still needs bars for.
func (m *Manager) dataStallsLocked(now time.Time, cal timetable.Snapshot) []DataStall {
	if !m.hours.IsOpen(now) {
		return nil
	}

	var out []DataStall
	seen := map[string]bool{}

	for instrument, barAt := range m.lastBar {
		seen[instrument] = true
		if !m.barsExpectedLocked(cal, instrument) {
			continue
		}
		age := now.Sub(barAt)
		if age > m.cfg.DataStall {
			out = append(out, DataStall{Instrument: instrument, AgeSeconds: age.Seconds()})
		}
	}

	// Instruments active streams need bars for but that never produced one.
	gracePassed := now.Sub(m.graceAnchorLocked()) > m.cfg.StartupGrace
	if gracePassed {
		for _, info := range m.streams {
			if info.State.Terminal() || info.Committed || !info.State.NeedsBars() {
				continue
			}
			if !streamEnabled(cal, info.Key.Stream) {
				continue
			}
			name := info.ExecutionInstrument
			if name == "" {
				name = info.Instrument
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, DataStall{Instrument: name, NeverReceived: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// stuckStreamsLocked flags streams held in one state past the per-state
// threshold. ARMED and RANGE_BUILDING are never flagged while the market is
// closed.
func (m *Manager) stuckStreamsLocked(now time.Time, cal timetable.Snapshot) []StuckStream {
	marketOpen := m.hours.IsOpen(now)
	var out []StuckStream
	for _, info := range m.streams {
		if info.State.Terminal() {
			continue
		}
		if !streamEnabled(cal, info.Key.Stream) {
			continue
		}
		inState := now.Sub(info.StateEntryTime)
		var threshold time.Duration
		switch info.State {
		case StreamPreHydration:
			threshold = m.cfg.StuckPreHydration
		case StreamArmed:
			if !marketOpen {
				continue
			}
			threshold = m.cfg.StuckArmed
		case StreamRangeBuilding:
			if !marketOpen {
				continue
			}
			threshold = m.cfg.StuckDefault
		default:
			threshold = m.cfg.StuckDefault
		}
		if inState > threshold {
			out = append(out, StuckStream{Key: info.Key, State: info.State, InStateSeconds: inState.Seconds()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.TradingDate != out[j].Key.TradingDate {
			return out[i].Key.TradingDate < out[j].Key.TradingDate
		}
		return out[i].Key.Stream < out[j].Key.Stream
	})
	return out
}

func sortStreams(s []StreamStateInfo) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Key.TradingDate != s[j].Key.TradingDate {
			return s[i].Key.TradingDate < s[j].Key.TradingDate
		}
		return s[i].Key.Stream < s[j].Key.Stream
	})
}

func sortIntents(s []IntentExposureInfo) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

func sortUnprotected(s []UnprotectedPosition) {
	sort.Slice(s, func(i, j int) bool { return s[i].IntentID < s[j].IntentID })
}
