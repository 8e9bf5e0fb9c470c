// Package processor applies per-event-type transition rules to the state
// manager. It is the only writer of reconstructed state. Handlers are pure
// functions of (state, event) except the ENGINE_START purge and the stale
// timestamp guard, both documented inline.
package processor

import (
	"regexp"
	"strconv"
	"time"

	"github.com/snnn1/engine-watchdog/internal/feed"
	"github.com/snnn1/engine-watchdog/internal/observ"
	"github.com/snnn1/engine-watchdog/internal/state"
)

const (
	// Timestamps older than this relative to processing time are replaced
	// by processing time before driving stream transitions.
	staleTimestampGuard = 5 * time.Minute

	// ENGINE_START purges stream state except entries updated inside this
	// window, protecting an in-flight transition across a process restart.
	restartProtectionWindow = 30 * time.Second
)

type Processor struct {
	mgr *state.Manager
	now func() time.Time

	// Per-run high-water marks. Re-delivered events (cursor loss, crash
	// replay) are skipped here, which is what makes delivery idempotent.
	lastSeq map[string]int64
}

func New(mgr *state.Manager) *Processor {
	return &Processor{
		mgr:     mgr,
		now:     time.Now,
		lastSeq: map[string]int64{},
	}
}

// Process applies a batch of feed events in order and returns how many were
// applied (duplicates skipped).
func (p *Processor) Process(events []feed.FeedEvent) int {
	applied := 0
	for _, ev := range events {
		if ev.EventSeq <= p.lastSeq[ev.RunID] {
			observ.Debug("event_duplicate_skipped", map[string]any{
				"run_id": ev.RunID, "seq": ev.EventSeq,
			})
			continue
		}
		p.apply(ev)
		p.lastSeq[ev.RunID] = ev.EventSeq
		applied++
	}
	if applied > 0 {
		observ.IncCounterBy("events_processed_total", nil, int64(applied))
	}
	return applied
}

func (p *Processor) apply(ev feed.FeedEvent) {
	if feed.IsHeartbeat(ev.EventType) {
		p.mgr.RecordTick(ev.TimestampUTC)
		if barAt, instrument, ok := heartbeatBar(ev); ok {
			p.mgr.RecordBar(instrument, barAt)
		}
		return
	}

	switch ev.EventType {
	case "ENGINE_START":
		p.mgr.EngineStarted(ev.TimestampUTC, restartProtectionWindow)

	case "STREAM_STATE_TRANSITION":
		p.applyStreamTransition(ev)

	case "RANGE_LOCKED", "RANGE_LOCK_SNAPSHOT":
		p.applyRange(ev)

	case "DISCONNECT_DETECTED", "DISCONNECT_RECOVERY_STARTED":
		p.mgr.RecoveryStarted(ev.TimestampUTC)

	case "DISCONNECT_RECOVERY_COMPLETE":
		p.mgr.RecoveryCompleted(ev.TimestampUTC)

	case "DISCONNECT_FAIL_CLOSED":
		p.mgr.RecoveryFailClosed(ev.TimestampUTC)

	case "CONNECTION_LOST":
		p.mgr.ConnectionLost(ev.TimestampUTC)

	case "CONNECTION_RESTORED":
		p.mgr.ConnectionRestored(ev.TimestampUTC)

	case "DATA_LOSS_DETECTED":
		if name := instrumentOf(ev); name != "" {
			p.mgr.ClearBar(name)
			observ.Log("data_loss_signal", map[string]any{"instrument": name})
		}

	case "INTENT_EXPOSURE_REGISTERED":
		p.applyIntentRegistered(ev)

	case "INTENT_ENTRY_FILL":
		if id := dataStr(ev, "intent_id"); id != "" {
			qty, _ := dataNum(ev, "qty")
			p.mgr.RecordEntryFill(id, qty, ev.TimestampUTC)
		}

	case "INTENT_EXIT_FILL":
		if id := dataStr(ev, "intent_id"); id != "" {
			qty, _ := dataNum(ev, "qty")
			p.mgr.RecordExitFill(id, qty)
		}

	case "INTENT_EXPOSURE_CLOSED":
		if id := dataStr(ev, "intent_id"); id != "" {
			p.mgr.CloseIntent(id)
		}

	case "PROTECTIVE_ORDER_ACK":
		if id := dataStr(ev, "intent_id"); id != "" {
			p.mgr.RecordProtectiveAck(id, ev.TimestampUTC)
		}

	case "IDENTITY_CHECK_FAILED":
		p.mgr.AppendIdentityFailure(gateEntry(ev))

	case "DUPLICATE_INSTANCE_DETECTED":
		p.mgr.AppendDuplicateInstance(gateEntry(ev))

	case "EXECUTION_POLICY_FAILURE":
		p.mgr.AppendPolicyFailure(gateEntry(ev))

	default:
		// Allow-listed but unhandled; nothing reconstructs from it.
		observ.Debug("event_unhandled", map[string]any{"event_type": ev.EventType})
	}
}

func (p *Processor) applyStreamTransition(ev feed.FeedEvent) {
	rawState := dataStr(ev, "state")
	if rawState == "" {
		rawState = dataStr(ev, "to_state")
	}
	newState, err := state.ParseStreamState(rawState)
	if err != nil {
		observ.Warn("stream_state_unknown", map[string]any{
			"raw": rawState, "stream": ev.Stream, "run_id": ev.RunID,
		})
		return
	}

	at := ev.TimestampUTC
	if procNow := p.now(); procNow.Sub(at) > staleTimestampGuard {
		observ.Warn("stream_transition_stale_timestamp", map[string]any{
			"stream":      ev.Stream,
			"event_ts":    at.Format(time.RFC3339),
			"age_seconds": procNow.Sub(at).Seconds(),
		})
		at = procNow
	}

	p.mgr.TransitionStream(
		state.StreamKey{TradingDate: ev.TradingDate, Stream: ev.Stream},
		newState,
		at,
		state.StreamMeta{
			Instrument:          ev.Instrument,
			ExecutionInstrument: dataStr(ev, "execution_instrument"),
			Session:             ev.Session,
			SlotTime:            dataStr(ev, "slot_time"),
			CommitReason:        dataStr(ev, "commit_reason"),
		},
	)
}

func (p *Processor) applyIntentRegistered(ev feed.FeedEvent) {
	id := dataStr(ev, "intent_id")
	if id == "" {
		observ.Debug("intent_registered_missing_id", map[string]any{"run_id": ev.RunID})
		return
	}
	entryQty, _ := dataNum(ev, "entry_qty")
	info := state.IntentExposureInfo{
		ID:             id,
		Stream:         ev.Stream,
		Instrument:     ev.Instrument,
		Direction:      dataStr(ev, "direction"),
		EntryFilledQty: entryQty,
		State:          state.IntentActive,
	}
	if entryQty > 0 {
		info.EntryFillTime = ev.TimestampUTC
	}
	p.mgr.RegisterIntent(info)
}

// applyRange tolerates the two payload encodings. A structured sub-object
// wins; otherwise the semi-structured text blob is pattern-extracted. Both
// must yield identical results for the same logical values.
func (p *Processor) applyRange(ev feed.FeedEvent) {
	bounds, ok := extractRange(ev.Data)
	if !ok {
		observ.Warn("range_payload_unparseable", map[string]any{
			"stream": ev.Stream, "run_id": ev.RunID, "seq": ev.EventSeq,
		})
		return
	}
	p.mgr.SetRange(
		state.StreamKey{TradingDate: ev.TradingDate, Stream: ev.Stream},
		bounds,
		ev.TimestampUTC,
	)
}

var (
	rangeHighRe   = regexp.MustCompile(`(?i)range[_ ]high[=:]\s*([0-9]+(?:\.[0-9]+)?)`)
	rangeLowRe    = regexp.MustCompile(`(?i)range[_ ]low[=:]\s*([0-9]+(?:\.[0-9]+)?)`)
	freezeCloseRe = regexp.MustCompile(`(?i)freeze[_ ]close[=:]\s*([0-9]+(?:\.[0-9]+)?)`)
)

func extractRange(data map[string]any) (state.RangeBounds, bool) {
	if data == nil {
		return state.RangeBounds{}, false
	}

	if sub, ok := data["range"].(map[string]any); ok {
		high, hok := mapNum(sub, "high")
		low, lok := mapNum(sub, "low")
		if hok && lok {
			fc, _ := mapNum(sub, "freeze_close")
			return state.RangeBounds{High: high, Low: low, FreezeClose: fc}, true
		}
	}

	blob, _ := data["text"].(string)
	if blob == "" {
		blob, _ = data["snapshot"].(string)
	}
	if blob == "" {
		return state.RangeBounds{}, false
	}
	high, hok := extractFloat(rangeHighRe, blob)
	low, lok := extractFloat(rangeLowRe, blob)
	if !hok || !lok {
		return state.RangeBounds{}, false
	}
	fc, _ := extractFloat(freezeCloseRe, blob)
	return state.RangeBounds{High: high, Low: low, FreezeClose: fc}, true
}

func extractFloat(re *regexp.Regexp, blob string) (float64, bool) {
	m := re.FindStringSubmatch(blob)
	if len(m) != 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// heartbeatBar extracts the optional per-instrument bar time from a tick.
func heartbeatBar(ev feed.FeedEvent) (time.Time, string, bool) {
	name := instrumentOf(ev)
	if name == "" {
		return time.Time{}, "", false
	}
	raw := dataStr(ev, "bar_time")
	if raw == "" {
		return time.Time{}, "", false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), name, true
		}
	}
	return time.Time{}, "", false
}

// instrumentOf resolves the execution contract for bar tracking. The payload
// names the contract actually trading (e.g. "MES 03-26"); the envelope field
// carries the canonical symbol and is only a fallback. Keying bars by the
// canonical symbol would mask a stall on the contract itself.
func instrumentOf(ev feed.FeedEvent) string {
	if name := dataStr(ev, "execution_instrument"); name != "" {
		return name
	}
	if name := dataStr(ev, "instrument"); name != "" {
		return name
	}
	return ev.Instrument
}

func gateEntry(ev feed.FeedEvent) state.GateEntry {
	return state.GateEntry{Timestamp: ev.TimestampUTC, RunID: ev.RunID, Detail: ev.Data}
}

func dataStr(ev feed.FeedEvent, key string) string {
	if ev.Data == nil {
		return ""
	}
	if v, ok := ev.Data[key].(string); ok {
		return v
	}
	return ""
}

func dataNum(ev feed.FeedEvent, key string) (float64, bool) {
	return mapNum(ev.Data, key)
}

func mapNum(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
