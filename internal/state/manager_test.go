package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snnn1/engine-watchdog/internal/timetable"
)

// Wednesday midday, never a Saturday in any zone the tests use.
var baseTime = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

var (
	alwaysOpen   = timetable.Hours{OpenHour: 0, CloseHour: 24}
	alwaysClosed = timetable.Hours{OpenHour: 24, CloseHour: 0}
)

type stubCalendar struct {
	snap timetable.Snapshot
}

func (s stubCalendar) Current() timetable.Snapshot { return s.snap }

func testConfig() Config {
	return Config{
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
	}
}

func newTestManager(hours timetable.Hours, cal timetable.Snapshot) *Manager {
	m := NewManager(testConfig(), hours, stubCalendar{snap: cal})
	m.now = func() time.Time { return baseTime }
	m.startedAt = baseTime.Add(-time.Hour)
	return m
}

func availableCalendar(streams ...string) timetable.Snapshot {
	snap := timetable.Snapshot{TradingDate: "2026-03-04", Available: true}
	for _, name := range streams {
		snap.Streams = append(snap.Streams, timetable.StreamDef{Name: name, Enabled: true})
	}
	return snap
}

func TestTransitionStream_LeavingRangeLockedClearsRange(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900"))
	key := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}

	m.TransitionStream(key, StreamRangeLocked, baseTime, StreamMeta{Instrument: "ES"})
	m.SetRange(key, RangeBounds{High: 5010.25, Low: 4990.5, FreezeClose: 5001}, baseTime)

	info, ok := m.Stream(key)
	require.True(t, ok)
	require.NotNil(t, info.Range)
	assert.Equal(t, 5010.25, info.Range.High)

	m.TransitionStream(key, StreamDone, baseTime.Add(time.Minute), StreamMeta{CommitReason: "target_hit"})

	info, ok = m.Stream(key)
	require.True(t, ok)
	assert.Nil(t, info.Range, "range bounds must be cleared on leaving RANGE_LOCKED")
	assert.True(t, info.Committed)
	assert.Equal(t, "target_hit", info.CommitReason)
	assert.Equal(t, StreamDone, info.State)
}

func TestTransitionStream_RangeKeptWhileLocked(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900"))
	key := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}

	m.TransitionStream(key, StreamRangeLocked, baseTime, StreamMeta{})
	m.SetRange(key, RangeBounds{High: 100, Low: 90, FreezeClose: 95}, baseTime)
	m.TransitionStream(key, StreamRangeLocked, baseTime.Add(time.Minute), StreamMeta{})

	info, _ := m.Stream(key)
	require.NotNil(t, info.Range)
}

func TestTickLiveness(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())

	snap := m.Status()
	assert.False(t, snap.EngineAlive)
	assert.False(t, snap.TickSeen)

	m.RecordTick(baseTime.Add(-10 * time.Second))
	snap = m.Status()
	assert.True(t, snap.EngineAlive)
	assert.True(t, snap.TickSeen)
	assert.InDelta(t, 10.0, snap.LastTickAgeSeconds, 0.01)

	m.now = func() time.Time { return baseTime.Add(time.Minute) }
	snap = m.Status()
	assert.False(t, snap.EngineAlive, "tick older than the stall threshold")
	assert.True(t, snap.TickSeen)
}

func TestRecordTick_IgnoresOutOfOrder(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RecordTick(baseTime)
	m.RecordTick(baseTime.Add(-time.Minute))
	assert.Equal(t, baseTime, m.lastTick)
}

func TestRecoveryTimeoutForceClear(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RecoveryStarted(baseTime.Add(-4 * time.Minute))

	// Read side resolves the timeout even before the loop runs a pass.
	assert.Equal(t, RecoveryConnectedOK, m.Status().Recovery)
	assert.Equal(t, RecoveryRunning, m.recovery)

	m.ApplySafetyNets()
	assert.Equal(t, RecoveryConnectedOK, m.recovery)
	assert.True(t, m.recoveryStartedAt.IsZero())
}

func TestRecoveryWithinTimeoutStaysRunning(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RecoveryStarted(baseTime.Add(-time.Minute))

	m.ApplySafetyNets()
	assert.Equal(t, RecoveryRunning, m.Status().Recovery)
}

func TestFailClosedAutoClearsWhenTickAlive(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RecoveryFailClosed(baseTime.Add(-time.Minute))

	// Without a live tick the fail-closed latch holds.
	m.ApplySafetyNets()
	assert.Equal(t, RecoveryDisconnectFailClosed, m.Status().Recovery)

	m.RecordTick(baseTime.Add(-5 * time.Second))
	assert.Equal(t, RecoveryConnectedOK, m.Status().Recovery)

	m.ApplySafetyNets()
	assert.Equal(t, RecoveryConnectedOK, m.recovery)
}

func TestConnectionStabilizationAutoClear(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RecordTick(baseTime.Add(-5 * time.Second))
	m.ConnectionLost(baseTime.Add(-30 * time.Second))

	// Inside the stabilization window the lost state stands.
	m.ApplySafetyNets()
	assert.Equal(t, ConnLost, m.Status().Connection)

	m.ConnectionLost(baseTime.Add(-90 * time.Second)) // no-op, already lost
	m.connChangedAt = baseTime.Add(-90 * time.Second)
	assert.Equal(t, ConnConnected, m.Status().Connection)

	m.ApplySafetyNets()
	assert.Equal(t, ConnConnected, m.conn)
}

func TestConnectionRestoredEvent(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.ConnectionLost(baseTime.Add(-10 * time.Second))
	m.ConnectionRestored(baseTime)
	assert.Equal(t, ConnConnected, m.Status().Connection)
}

func TestDataStalls_InstrumentContractsNeverAliased(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900"))
	key := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	m.TransitionStream(key, StreamRangeBuilding, baseTime.Add(-10*time.Minute), StreamMeta{
		Instrument:          "ES",
		ExecutionInstrument: "MES 03-26",
	})
	m.engineStartAt = baseTime.Add(-10 * time.Minute)

	// A fresh bar on the canonical symbol does not cover the execution
	// contract.
	m.RecordBar("ES", baseTime.Add(-time.Second))

	snap := m.Status()
	require.Len(t, snap.DataStalls, 1)
	assert.Equal(t, "MES 03-26", snap.DataStalls[0].Instrument)
	assert.True(t, snap.DataStalls[0].NeverReceived)

	// A stale bar on the execution contract reports age instead.
	m.RecordBar("MES 03-26", baseTime.Add(-5*time.Minute))
	snap = m.Status()
	require.Len(t, snap.DataStalls, 1)
	assert.Equal(t, "MES 03-26", snap.DataStalls[0].Instrument)
	assert.False(t, snap.DataStalls[0].NeverReceived)
	assert.InDelta(t, 300.0, snap.DataStalls[0].AgeSeconds, 0.01)

	// Fresh bars on the execution contract clear the stall.
	m.RecordBar("MES 03-26", baseTime.Add(-time.Second))
	assert.Empty(t, m.Status().DataStalls)
}

func TestDataStalls_SuppressedWhileMarketClosed(t *testing.T) {
	m := newTestManager(alwaysClosed, availableCalendar("ES-0900"))
	key := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	m.TransitionStream(key, StreamArmed, baseTime.Add(-time.Hour), StreamMeta{ExecutionInstrument: "MES 03-26"})
	m.RecordBar("MES 03-26", baseTime.Add(-time.Hour))

	assert.Empty(t, m.Status().DataStalls)
}

func TestDataStalls_TerminalAndCommittedStreamsExcluded(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900"))
	key := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	m.TransitionStream(key, StreamDone, baseTime.Add(-time.Hour), StreamMeta{ExecutionInstrument: "MES 03-26"})
	m.RecordBar("MES 03-26", baseTime.Add(-time.Hour))

	assert.Empty(t, m.Status().DataStalls, "no active stream needs bars for the contract")
}

func TestUnprotectedPositions(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RegisterIntent(IntentExposureInfo{
		ID: "intent-1", Stream: "ES-0900", Instrument: "ES", Direction: "LONG",
	})
	m.RecordEntryFill("intent-1", 2, baseTime.Add(-3*time.Minute))

	out := m.UnprotectedPositions()
	require.Len(t, out, 1)
	assert.Equal(t, "intent-1", out[0].IntentID)
	assert.Equal(t, 2.0, out[0].EntryFilledQty)
	assert.GreaterOrEqual(t, out[0].DurationSeconds, 120.0)

	// One protective acknowledgment clears the report.
	m.RecordProtectiveAck("intent-1", baseTime)
	assert.Empty(t, m.UnprotectedPositions())
}

func TestUnprotectedPositions_InsideTimeout(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RegisterIntent(IntentExposureInfo{ID: "intent-1"})
	m.RecordEntryFill("intent-1", 1, baseTime.Add(-time.Minute))
	assert.Empty(t, m.UnprotectedPositions())
}

func TestUnprotectedPositions_UnfilledOrClosedExcluded(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.RegisterIntent(IntentExposureInfo{ID: "pending"})
	m.RegisterIntent(IntentExposureInfo{ID: "closed"})
	m.RecordEntryFill("closed", 1, baseTime.Add(-10*time.Minute))
	m.CloseIntent("closed")

	assert.Empty(t, m.UnprotectedPositions())
	assert.Len(t, m.ActiveIntents(), 1)
}

func TestEngineStarted_PurgesOutsideProtectionWindow(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	stale := StreamKey{TradingDate: "2026-03-04", Stream: "stale"}
	fresh := StreamKey{TradingDate: "2026-03-04", Stream: "fresh"}
	m.TransitionStream(stale, StreamArmed, baseTime.Add(-10*time.Minute), StreamMeta{})
	m.TransitionStream(fresh, StreamRangeBuilding, baseTime.Add(-10*time.Second), StreamMeta{})

	m.EngineStarted(baseTime, 30*time.Second)

	_, ok := m.Stream(stale)
	assert.False(t, ok, "entries older than the protection window are purged")
	info, ok := m.Stream(fresh)
	require.True(t, ok, "recently updated entries survive a restart")
	assert.Equal(t, StreamRangeBuilding, info.State)
}

func TestCleanupRolledDates(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	old := StreamKey{TradingDate: "2026-03-03", Stream: "ES-0900"}
	cur := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	m.TransitionStream(old, StreamDone, baseTime.Add(-time.Hour), StreamMeta{})
	m.TransitionStream(cur, StreamArmed, baseTime, StreamMeta{})

	m.CleanupRolledDates("2026-03-04")

	_, ok := m.Stream(old)
	assert.False(t, ok)
	_, ok = m.Stream(cur)
	assert.True(t, ok)
}

func TestStuckStreams(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900", "NQ-0900", "GC-0900"))
	armed := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	building := StreamKey{TradingDate: "2026-03-04", Stream: "NQ-0900"}
	done := StreamKey{TradingDate: "2026-03-04", Stream: "GC-0900"}
	m.TransitionStream(armed, StreamArmed, baseTime.Add(-3*time.Hour), StreamMeta{})
	m.TransitionStream(building, StreamRangeBuilding, baseTime.Add(-10*time.Minute), StreamMeta{})
	m.TransitionStream(done, StreamDone, baseTime.Add(-6*time.Hour), StreamMeta{})

	stuck := m.Status().StuckStreams
	require.Len(t, stuck, 2)
	assert.Equal(t, "ES-0900", stuck[0].Key.Stream)
	assert.Equal(t, StreamArmed, stuck[0].State)
	assert.Equal(t, "NQ-0900", stuck[1].Key.Stream)
	assert.Equal(t, StreamRangeBuilding, stuck[1].State)
}

func TestStuckStreams_ArmedSuppressedWhileMarketClosed(t *testing.T) {
	m := newTestManager(alwaysClosed, availableCalendar("ES-0900", "NQ-0900"))
	armed := StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"}
	pre := StreamKey{TradingDate: "2026-03-04", Stream: "NQ-0900"}
	m.TransitionStream(armed, StreamArmed, baseTime.Add(-5*time.Hour), StreamMeta{})
	m.TransitionStream(pre, StreamPreHydration, baseTime.Add(-time.Hour), StreamMeta{})

	stuck := m.Status().StuckStreams
	require.Len(t, stuck, 1, "PRE_HYDRATION is flagged regardless of market hours")
	assert.Equal(t, "NQ-0900", stuck[0].Key.Stream)
	assert.Equal(t, StreamPreHydration, stuck[0].State)
}

func TestStuckStreams_DisabledStreamsIgnored(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar("ES-0900"))
	disabled := StreamKey{TradingDate: "2026-03-04", Stream: "CL-0900"}
	m.TransitionStream(disabled, StreamPreHydration, baseTime.Add(-2*time.Hour), StreamMeta{})

	assert.Empty(t, m.Status().StuckStreams)
}

func TestRiskGates_RingBounded(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 3
	m := NewManager(cfg, alwaysOpen, stubCalendar{snap: availableCalendar()})
	m.now = func() time.Time { return baseTime }

	for i := 0; i < 5; i++ {
		m.AppendIdentityFailure(GateEntry{Timestamp: baseTime, RunID: "run-1", Detail: map[string]any{"i": i}})
	}
	gates := m.RiskGates()
	require.Len(t, gates["identity_check_failures"], 3)
	assert.Equal(t, 2, gates["identity_check_failures"][0].Detail["i"])
	assert.Empty(t, gates["duplicate_instances"])
	assert.Empty(t, gates["execution_policy_failures"])
}

func TestStatus_DegradedOnPanic(t *testing.T) {
	m := newTestManager(alwaysOpen, availableCalendar())
	m.calendar = nil // forces a nil dereference inside the computation

	snap := m.Status()
	assert.True(t, snap.Degraded)
	assert.NotEmpty(t, snap.DegradedReason)
	assert.Equal(t, ActivityUnknown, snap.Activity)
}

func TestRecomputeStatus_SmoothedOverWindow(t *testing.T) {
	cfg := testConfig()
	cfg.SmoothingWindow = 3
	m := NewManager(cfg, alwaysOpen, stubCalendar{snap: availableCalendar("ES-0900")})
	m.now = func() time.Time { return baseTime }
	m.startedAt = baseTime.Add(-time.Hour)
	m.engineStartAt = baseTime.Add(-time.Hour)
	m.TransitionStream(StreamKey{TradingDate: "2026-03-04", Stream: "ES-0900"},
		StreamArmed, baseTime.Add(-time.Hour), StreamMeta{})

	m.RecordTick(baseTime.Add(-time.Second))
	assert.Equal(t, ActivityFlowing, m.RecomputeStatus())

	// The tick goes stale; the smoothed status only flips after three
	// consecutive STALLED readings.
	m.now = func() time.Time { return baseTime.Add(5 * time.Minute) }
	assert.Equal(t, ActivityFlowing, m.RecomputeStatus())
	assert.Equal(t, ActivityFlowing, m.RecomputeStatus())
	assert.Equal(t, ActivityStalled, m.RecomputeStatus())

	snap := m.Status()
	assert.Equal(t, ActivityStalled, snap.Activity)
	assert.Equal(t, ActivityStalled, snap.ActivityRaw)
}
