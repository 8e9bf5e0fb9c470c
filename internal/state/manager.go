// Package state owns all reconstructed watchdog state. Every mutation comes
// from the event processor on the ingestion loop; queries are read-only and
// guarded by the same lock so request handlers can run on their own
// goroutines. The manager is constructor-injected everywhere, never an
// ambient global.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/snnn1/engine-watchdog/internal/observ"
	"github.com/snnn1/engine-watchdog/internal/timetable"
)

// Config carries the named thresholds, resolved to durations at startup.
type Config struct {
	TickStall          time.Duration
	StuckDefault       time.Duration
	StuckPreHydration  time.Duration
	StuckArmed         time.Duration
	UnprotectedTimeout time.Duration
	DataStall          time.Duration
	RecoveryTimeout    time.Duration
	StartupGrace       time.Duration
	ConnStabilization  time.Duration
	SmoothingWindow    int
	RingCapacity       int
}

// CalendarSource supplies the trading date and enabled-stream set.
type CalendarSource interface {
	Current() timetable.Snapshot
}

// StreamMeta is the descriptive part of a stream transition event.
type StreamMeta struct {
	Instrument          string
	ExecutionInstrument string
	Session             string
	SlotTime            string
	CommitReason        string
}

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	hours    timetable.Hours
	calendar CalendarSource
	now      func() time.Time

	startedAt     time.Time
	engineStartAt time.Time

	streams map[StreamKey]*StreamStateInfo
	intents map[string]*IntentExposureInfo

	lastTick time.Time
	lastBar  map[string]time.Time // execution-instrument full name, never aliased

	recovery          RecoveryState
	recoveryStartedAt time.Time

	conn          ConnState
	connChangedAt time.Time

	identityFailures   *ring
	duplicateInstances *ring
	policyFailures     *ring

	history *statusHistory
}

func NewManager(cfg Config, hours timetable.Hours, calendar CalendarSource) *Manager {
	now := time.Now
	return &Manager{
		cfg:                cfg,
		hours:              hours,
		calendar:           calendar,
		now:                now,
		startedAt:          now(),
		streams:            map[StreamKey]*StreamStateInfo{},
		intents:            map[string]*IntentExposureInfo{},
		lastBar:            map[string]time.Time{},
		recovery:           RecoveryConnectedOK,
		conn:               ConnConnected,
		identityFailures:   newRing(cfg.RingCapacity),
		duplicateInstances: newRing(cfg.RingCapacity),
		policyFailures:     newRing(cfg.RingCapacity),
		history:            newStatusHistory(cfg.SmoothingWindow),
	}
}

// SetClock replaces the manager's time source. Tests freeze the clock with
// it; production wiring keeps time.Now.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// --- mutations (event processor call path) ---

// RecordTick updates the primary liveness signal.
func (m *Manager) RecordTick(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastTick) {
		m.lastTick = at
	}
}

// RecordBar updates one execution instrument's last-bar timestamp.
func (m *Manager) RecordBar(instrument string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at.After(m.lastBar[instrument]) {
		m.lastBar[instrument] = at
	}
}

// ClearBar drops an instrument's tracked bar timestamp, immediately re-arming
// stall detection for it.
func (m *Manager) ClearBar(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastBar, instrument)
}

// EngineStarted records an engine restart and purges per-stream state, except
// entries updated within the protection window (keeps an in-flight transition
// alive across a process restart).
func (m *Manager) EngineStarted(at time.Time, protectionWindow time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engineStartAt = at
	purged := 0
	for key, info := range m.streams {
		if at.Sub(info.LastUpdated) > protectionWindow {
			delete(m.streams, key)
			purged++
		}
	}
	if purged > 0 {
		observ.Log("engine_start_purge", map[string]any{"purged": purged, "kept": len(m.streams)})
	}
}

// TransitionStream moves a stream to a new state, creating the entry lazily.
// Leaving RANGE_LOCKED always clears range bounds.
func (m *Manager) TransitionStream(key StreamKey, to StreamState, at time.Time, meta StreamMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.ensureStreamLocked(key, at)
	from := info.State
	if from == StreamRangeLocked && to != StreamRangeLocked {
		info.Range = nil
	}
	info.State = to
	info.StateEntryTime = at
	info.LastUpdated = at
	if meta.Instrument != "" {
		info.Instrument = meta.Instrument
	}
	if meta.ExecutionInstrument != "" {
		info.ExecutionInstrument = meta.ExecutionInstrument
	}
	if meta.Session != "" {
		info.Session = meta.Session
	}
	if meta.SlotTime != "" {
		info.SlotTime = meta.SlotTime
	}
	switch to {
	case StreamDone:
		info.Committed = true
		if meta.CommitReason != "" {
			info.CommitReason = meta.CommitReason
		}
	case StreamInvalidated:
		info.Invalidated = true
	}
	if from != to {
		observ.IncCounter("stream_transitions_total", map[string]string{
			"from": string(from), "to": string(to),
		})
	}
}

// SetRange populates range bounds for a stream.
func (m *Manager) SetRange(key StreamKey, bounds RangeBounds, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.ensureStreamLocked(key, at)
	b := bounds
	info.Range = &b
	info.LastUpdated = at
}

func (m *Manager) ensureStreamLocked(key StreamKey, at time.Time) *StreamStateInfo {
	info, ok := m.streams[key]
	if !ok {
		info = &StreamStateInfo{
			Key:            key,
			State:          StreamPreHydration,
			StateEntryTime: at,
			LastUpdated:    at,
		}
		m.streams[key] = info
	}
	return info
}

// CleanupRolledDates drops stream entries from earlier trading dates.
func (m *Manager) CleanupRolledDates(currentDate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.streams {
		if key.TradingDate != currentDate && key.TradingDate < currentDate {
			delete(m.streams, key)
		}
	}
}

// Recovery machine.

func (m *Manager) RecoveryStarted(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = RecoveryRunning
	m.recoveryStartedAt = at
}

func (m *Manager) RecoveryCompleted(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = RecoveryConnectedOK
	m.recoveryStartedAt = time.Time{}
}

func (m *Manager) RecoveryFailClosed(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = RecoveryDisconnectFailClosed
}

// Connection machine.

func (m *Manager) ConnectionLost(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != ConnLost {
		m.conn = ConnLost
		m.connChangedAt = at
	}
}

func (m *Manager) ConnectionRestored(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != ConnConnected {
		m.conn = ConnConnected
		m.connChangedAt = at
	}
}

// Intent exposure bookkeeping.

func (m *Manager) RegisterIntent(info IntentExposureInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := info
	if cp.State == "" {
		cp.State = IntentActive
	}
	m.intents[cp.ID] = &cp
}

func (m *Manager) RecordEntryFill(id string, qty float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.intents[id]
	if !ok {
		return
	}
	info.EntryFilledQty += qty
	if info.EntryFillTime.IsZero() {
		info.EntryFillTime = at
	}
}

func (m *Manager) RecordExitFill(id string, qty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.intents[id]; ok {
		info.ExitFilledQty += qty
	}
}

func (m *Manager) CloseIntent(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.intents[id]; ok {
		info.State = IntentClosed
	}
}

func (m *Manager) RecordProtectiveAck(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.intents[id]; ok {
		info.ProtectiveAcks++
		info.LastProtectiveAck = at
	}
}

// Observability rings.

func (m *Manager) AppendIdentityFailure(e GateEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identityFailures.append(e)
}

func (m *Manager) AppendDuplicateInstance(e GateEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateInstances.append(e)
}

func (m *Manager) AppendPolicyFailure(e GateEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyFailures.append(e)
}

// ApplySafetyNets resolves stuck lifecycle states that would otherwise wedge
// forever when a completion event is lost. Called once per ingestion poll.
func (m *Manager) ApplySafetyNets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	tickAlive := m.tickAliveLocked(now)

	if m.recovery == RecoveryRunning && !m.recoveryStartedAt.IsZero() &&
		now.Sub(m.recoveryStartedAt) > m.cfg.RecoveryTimeout {
		observ.Warn("recovery_timeout_force_clear", map[string]any{
			"running_seconds": now.Sub(m.recoveryStartedAt).Seconds(),
		})
		m.recovery = RecoveryConnectedOK
		m.recoveryStartedAt = time.Time{}
	}

	// A live engine implies the disconnect resolved even when the explicit
	// completion event was lost.
	if m.recovery == RecoveryDisconnectFailClosed && tickAlive {
		observ.Warn("fail_closed_auto_clear", map[string]any{"tick_alive": true})
		m.recovery = RecoveryConnectedOK
		m.recoveryStartedAt = time.Time{}
	}

	if m.conn == ConnLost && tickAlive &&
		now.Sub(m.connChangedAt) > m.cfg.ConnStabilization {
		observ.Warn("connection_lost_auto_clear", map[string]any{
			"lost_seconds": now.Sub(m.connChangedAt).Seconds(),
		})
		m.conn = ConnConnected
		m.connChangedAt = now
	}
}

// RecomputeStatus computes the raw activity reading and folds it into the
// smoothing ring, returning the stable value. One call per poll; each call is
// an independent recomputation.
func (m *Manager) RecomputeStatus() ActivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := m.rawActivityLocked(m.now())
	stable := m.history.record(raw)
	observ.SetGauge("engine_activity", activityToFloat(stable), nil)
	return stable
}

func activityToFloat(a ActivityState) float64 {
	switch a {
	case ActivityFlowing:
		return 0
	case ActivityIdle:
		return 1
	case ActivityStalled:
		return 2
	default:
		return -1
	}
}

// --- queries ---

// Snapshot is the full computed status surface.
type Snapshot struct {
	GeneratedAtUTC     time.Time             `json:"generated_at_utc"`
	Degraded           bool                  `json:"degraded"`
	DegradedReason     string                `json:"degraded_reason,omitempty"`
	EngineAlive        bool                  `json:"engine_alive"`
	LastTickAgeSeconds float64               `json:"last_tick_age_seconds"`
	TickSeen           bool                  `json:"tick_seen"`
	Activity           ActivityState         `json:"activity"`
	ActivityRaw        ActivityState         `json:"activity_raw"`
	MarketOpen         bool                  `json:"market_open"`
	TradingDate        string                `json:"trading_date"`
	TimetableAvailable bool                  `json:"timetable_available"`
	Recovery           RecoveryState         `json:"recovery"`
	Connection         ConnState             `json:"connection"`
	ConnectionSince    time.Time             `json:"connection_since"`
	Streams            []StreamStateInfo     `json:"streams"`
	StuckStreams       []StuckStream         `json:"stuck_streams"`
	DataStalls         []DataStall           `json:"data_stalls"`
	Unprotected        []UnprotectedPosition `json:"unprotected_positions"`
	ActiveIntents      int                   `json:"active_intents"`
}

// Status computes the full snapshot. Any panic inside the computation is
// converted into a degraded snapshot at this boundary; the watchdog must not
// become unavailable because of its own status math.
func (m *Manager) Status() (snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			observ.Warn("status_computation_panic", map[string]any{"panic": fmt.Sprint(r)})
			observ.IncCounter("status_computation_failures_total", nil)
			snap = Snapshot{
				GeneratedAtUTC: time.Now().UTC(),
				Degraded:       true,
				DegradedReason: fmt.Sprint(r),
				Activity:       ActivityUnknown,
				ActivityRaw:    ActivityUnknown,
			}
		}
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	cal := m.calendar.Current()

	snap = Snapshot{
		GeneratedAtUTC:     now.UTC(),
		EngineAlive:        m.tickAliveLocked(now),
		TickSeen:           !m.lastTick.IsZero(),
		Activity:           m.history.current(),
		ActivityRaw:        m.rawActivityLocked(now),
		MarketOpen:         m.hours.IsOpen(now),
		TradingDate:        cal.TradingDate,
		TimetableAvailable: cal.Available,
		Recovery:           m.effectiveRecoveryLocked(now),
		Connection:         m.effectiveConnLocked(now),
		ConnectionSince:    m.connChangedAt,
		Streams:            m.streamListLocked(),
		StuckStreams:       m.stuckStreamsLocked(now, cal),
		DataStalls:         m.dataStallsLocked(now, cal),
		Unprotected:        m.unprotectedLocked(now),
		ActiveIntents:      m.activeIntentCountLocked(),
	}
	if !m.lastTick.IsZero() {
		snap.LastTickAgeSeconds = now.Sub(m.lastTick).Seconds()
	}
	return snap
}

// StreamStates returns every tracked stream entry.
func (m *Manager) StreamStates() []StreamStateInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamListLocked()
}

func (m *Manager) streamListLocked() []StreamStateInfo {
	out := make([]StreamStateInfo, 0, len(m.streams))
	for _, info := range m.streams {
		out = append(out, *info)
	}
	sortStreams(out)
	return out
}

// Stream returns one stream entry by key.
func (m *Manager) Stream(key StreamKey) (StreamStateInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.streams[key]
	if !ok {
		return StreamStateInfo{}, false
	}
	return *info, true
}

// ActiveIntents returns all intents still marked ACTIVE.
func (m *Manager) ActiveIntents() []IntentExposureInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IntentExposureInfo
	for _, info := range m.intents {
		if info.State == IntentActive {
			out = append(out, *info)
		}
	}
	sortIntents(out)
	return out
}

func (m *Manager) activeIntentCountLocked() int {
	n := 0
	for _, info := range m.intents {
		if info.State == IntentActive {
			n++
		}
	}
	return n
}

// RiskGates returns the observability ring buffers.
func (m *Manager) RiskGates() map[string][]GateEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string][]GateEntry{
		"identity_check_failures":   m.identityFailures.snapshot(),
		"duplicate_instances":       m.duplicateInstances.snapshot(),
		"execution_policy_failures": m.policyFailures.snapshot(),
	}
}

// UnprotectedPositions reports ACTIVE intents with a filled entry and no
// protective-order acknowledgment inside the timeout.
func (m *Manager) UnprotectedPositions() []UnprotectedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unprotectedLocked(m.now())
}

func (m *Manager) unprotectedLocked(now time.Time) []UnprotectedPosition {
	var out []UnprotectedPosition
	for _, info := range m.intents {
		if info.State != IntentActive || info.EntryFillTime.IsZero() || info.ProtectiveAcks > 0 {
			continue
		}
		elapsed := now.Sub(info.EntryFillTime)
		if elapsed < m.cfg.UnprotectedTimeout {
			continue
		}
		out = append(out, UnprotectedPosition{
			IntentID:        info.ID,
			Stream:          info.Stream,
			Instrument:      info.Instrument,
			Direction:       info.Direction,
			EntryFilledQty:  info.EntryFilledQty,
			DurationSeconds: elapsed.Seconds(),
		})
	}
	sortUnprotected(out)
	return out
}
