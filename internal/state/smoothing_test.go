package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmoothing_TransientDisagreementSuppressed(t *testing.T) {
	h := newStatusHistory(3)

	assert.Equal(t, ActivityFlowing, h.record(ActivityFlowing))
	assert.Equal(t, ActivityFlowing, h.record(ActivityFlowing))

	// One STALLED reading sandwiched between FLOWING readings never
	// surfaces.
	assert.Equal(t, ActivityFlowing, h.record(ActivityStalled))
	assert.Equal(t, ActivityFlowing, h.record(ActivityFlowing))
	assert.Equal(t, ActivityFlowing, h.current())
}

func TestSmoothing_ChangesAfterConsecutiveAgreement(t *testing.T) {
	h := newStatusHistory(3)
	h.record(ActivityFlowing)

	assert.Equal(t, ActivityFlowing, h.record(ActivityStalled))
	assert.Equal(t, ActivityFlowing, h.record(ActivityStalled))
	assert.Equal(t, ActivityStalled, h.record(ActivityStalled), "third consecutive reading flips the stable value")
	assert.Equal(t, ActivityStalled, h.current())
}

func TestSmoothing_InterruptedRunResets(t *testing.T) {
	h := newStatusHistory(3)
	h.record(ActivityFlowing)

	h.record(ActivityStalled)
	h.record(ActivityStalled)
	h.record(ActivityFlowing) // interruption resets the pending run
	h.record(ActivityStalled)
	h.record(ActivityStalled)
	assert.Equal(t, ActivityFlowing, h.current())
	h.record(ActivityStalled)
	assert.Equal(t, ActivityStalled, h.current())
}

func TestSmoothing_FirstReadingWins(t *testing.T) {
	h := newStatusHistory(3)
	assert.Equal(t, ActivityIdle, h.record(ActivityIdle))
}

func TestSmoothing_PendingTargetSwitch(t *testing.T) {
	h := newStatusHistory(2)
	h.record(ActivityFlowing)

	h.record(ActivityStalled)
	assert.Equal(t, ActivityFlowing, h.record(ActivityIdle), "switching pending values restarts the run")
	assert.Equal(t, ActivityIdle, h.record(ActivityIdle))
}
