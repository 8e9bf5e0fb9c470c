package state

// statusHistory debounces the coarse activity status: the stable value only
// changes after `window` consecutive independently-recomputed readings agree,
// so a single-poll disagreement is suppressed by reusing the prior stable
// value. Pure against its own fields; callers hold the manager lock.
type statusHistory struct {
	window  int
	stable  ActivityState
	pending ActivityState
	run     int
	recent  []ActivityState // most-recent readings, bounded to window
}

func newStatusHistory(window int) *statusHistory {
	if window < 1 {
		window = 1
	}
	return &statusHistory{window: window, stable: ActivityUnknown}
}

// record folds one freshly computed reading in and returns the stable value.
func (h *statusHistory) record(reading ActivityState) ActivityState {
	h.recent = append(h.recent, reading)
	if len(h.recent) > h.window {
		h.recent = h.recent[len(h.recent)-h.window:]
	}

	if h.stable == ActivityUnknown {
		// First reading wins; there is nothing to flicker against yet.
		h.stable = reading
		h.run = 0
		h.pending = ""
		return h.stable
	}
	if reading == h.stable {
		h.run = 0
		h.pending = ""
		return h.stable
	}
	if reading == h.pending {
		h.run++
	} else {
		h.pending = reading
		h.run = 1
	}
	if h.run >= h.window {
		h.stable = reading
		h.run = 0
		h.pending = ""
	}
	return h.stable
}

func (h *statusHistory) current() ActivityState {
	return h.stable
}
