package core

import "time"

// RecordHit applies one hit to a fixed counting window.
// It returns the updated state and the result; state may be nil for a pair
// that has never been seen.
//
// The first hit of a window (new or reset) is never compared against the
// threshold, so a threshold of 1 bans on the second hit inside the window.
func RecordHit(state *WindowState, now time.Time, rule Rule) (*WindowState, WindowResult) {
	// Fresh window
	if state == nil || !now.Before(state.Start.Add(rule.Window)) {
		return &WindowState{Start: now, Hits: 1}, WindowResult{Count: 1}
	}

	next := &WindowState{
		Start: state.Start,
		Hits:  state.Hits + 1,
	}

	return next, WindowResult{
		Count:    next.Hits,
		Exceeded: next.Hits >= rule.Threshold,
	}
}

// ExpiresAt returns the instant the window lapses for rule.
func (w WindowState) ExpiresAt(rule Rule) time.Time {
	return w.Start.Add(rule.Window)
}
