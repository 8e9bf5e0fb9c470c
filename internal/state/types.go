package state

import (
	"fmt"
	"time"
)

// StreamState is the lifecycle of one (trading_date, stream) opportunity.
// Raw logs carry these as free-form strings; ParseStreamState maps them onto
// the closed set and rejects anything else.
type StreamState string

const (
	StreamPreHydration  StreamState = "PRE_HYDRATION"
	StreamArmed         StreamState = "ARMED"
	StreamRangeBuilding StreamState = "RANGE_BUILDING"
	StreamRangeLocked   StreamState = "RANGE_LOCKED"
	StreamDone          StreamState = "DONE"
	StreamInvalidated   StreamState = "INVALIDATED"
)

var knownStreamStates = map[StreamState]bool{
	StreamPreHydration:  true,
	StreamArmed:         true,
	StreamRangeBuilding: true,
	StreamRangeLocked:   true,
	StreamDone:          true,
	StreamInvalidated:   true,
}

func ParseStreamState(raw string) (StreamState, error) {
	s := StreamState(raw)
	if !knownStreamStates[s] {
		return "", fmt.Errorf("unknown stream state %q", raw)
	}
	return s, nil
}

// Terminal states never count as stuck and never expect bars.
func (s StreamState) Terminal() bool {
	return s == StreamDone || s == StreamInvalidated
}

// NeedsBars reports whether a stream in this state requires fresh price bars.
func (s StreamState) NeedsBars() bool {
	return s == StreamArmed || s == StreamRangeBuilding || s == StreamRangeLocked
}

// StreamKey identifies one stream entry.
type StreamKey struct {
	TradingDate string `json:"trading_date"`
	Stream      string `json:"stream"`
}

// RangeBounds are only populated while a stream holds RANGE_LOCKED; leaving
// that state always clears them.
type RangeBounds struct {
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	FreezeClose float64 `json:"freeze_close"`
}

type StreamStateInfo struct {
	Key                 StreamKey    `json:"key"`
	State               StreamState  `json:"state"`
	Committed           bool         `json:"committed"`
	CommitReason        string       `json:"commit_reason,omitempty"`
	StateEntryTime      time.Time    `json:"state_entry_time"`
	Instrument          string       `json:"instrument"`
	ExecutionInstrument string       `json:"execution_instrument,omitempty"`
	Session             string       `json:"session,omitempty"`
	SlotTime            string       `json:"slot_time,omitempty"`
	Range               *RangeBounds `json:"range,omitempty"`
	Invalidated         bool         `json:"invalidated"`
	LastUpdated         time.Time    `json:"last_updated"`
}

// IntentState is the lifecycle of a registered exposure.
type IntentState string

const (
	IntentActive IntentState = "ACTIVE"
	IntentClosed IntentState = "CLOSED"
)

type IntentExposureInfo struct {
	ID                string      `json:"id"`
	Stream            string      `json:"stream"`
	Instrument        string      `json:"instrument"`
	Direction         string      `json:"direction"`
	EntryFilledQty    float64     `json:"entry_filled_qty"`
	ExitFilledQty     float64     `json:"exit_filled_qty"`
	State             IntentState `json:"state"`
	EntryFillTime     time.Time   `json:"entry_fill_time"`
	ProtectiveAcks    int         `json:"protective_acks"`
	LastProtectiveAck time.Time   `json:"last_protective_ack"`
}

// RecoveryState is the disconnect-recovery machine.
type RecoveryState string

// A completed recovery lands straight back on CONNECTED_OK; the machine has
// no intermediate completed state.
const (
	RecoveryConnectedOK          RecoveryState = "CONNECTED_OK"
	RecoveryRunning              RecoveryState = "RECOVERY_RUNNING"
	RecoveryDisconnectFailClosed RecoveryState = "DISCONNECT_FAIL_CLOSED"
)

// ConnState is the broker-connection machine.
type ConnState string

const (
	ConnConnected ConnState = "Connected"
	ConnLost      ConnState = "ConnectionLost"
)

// ActivityState is the coarse engine data-flow status; this is the value the
// smoothing ring debounces.
type ActivityState string

const (
	ActivityFlowing ActivityState = "FLOWING"
	ActivityIdle    ActivityState = "IDLE"
	ActivityStalled ActivityState = "STALLED"
	ActivityUnknown ActivityState = "UNKNOWN"
)

// GateEntry is one observability record (identity-check failure, duplicate
// instance, execution-policy failure). Kept in bounded most-recent-N rings.
type GateEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ring is a bounded most-recent-N buffer of gate entries.
type ring struct {
	entries []GateEntry
	cap     int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) append(e GateEntry) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

func (r *ring) snapshot() []GateEntry {
	out := make([]GateEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// UnprotectedPosition is an ACTIVE intent with a filled entry and no
// protective-order acknowledgment inside the timeout.
type UnprotectedPosition struct {
	IntentID        string  `json:"intent_id"`
	Stream          string  `json:"stream"`
	Instrument      string  `json:"instrument"`
	Direction       string  `json:"direction"`
	EntryFilledQty  float64 `json:"entry_filled_qty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// DataStall reports a per-execution-instrument bar gap.
type DataStall struct {
	Instrument    string  `json:"instrument"`
	AgeSeconds    float64 `json:"age_seconds"`
	NeverReceived bool    `json:"never_received"`
}

// StuckStream reports a stream held in one state past its threshold.
type StuckStream struct {
	Key            StreamKey   `json:"key"`
	State          StreamState `json:"state"`
	InStateSeconds float64     `json:"in_state_seconds"`
}
