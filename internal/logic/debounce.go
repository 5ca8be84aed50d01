package logic

import "time"

// channelState tracks debounce state for a single digital input.
type channelState struct {
	// Current stable (debounced) state
	Stable State
	// Pending state during debounce
	Pending State
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// Debouncer tracks a digital input (the recalibration button) and reports
// debounced transitions. No transition is reported until the input has been
// stable for the debounce duration once.
type Debouncer struct {
	debounceDuration time.Duration
	ch               channelState
}

// NewDebouncer creates a debouncer with the given duration.
func NewDebouncer(debounceDuration time.Duration) *Debouncer {
	return &Debouncer{debounceDuration: debounceDuration}
}

// Process takes a new sample and returns the new stable state when a
// debounced transition occurs.
func (d *Debouncer) Process(pressed bool, now time.Time) (State, bool) {
	newState := boolToState(pressed)
	ch := &d.ch

	// First time seeing this input
	if !ch.Baselined {
		if ch.Pending == "" || ch.Pending != newState {
			// Start observing, or restart if it changed during baseline
			ch.Pending = newState
			ch.PendingSince = now
			return "", false
		}
		if now.Sub(ch.PendingSince) >= d.debounceDuration {
			ch.Stable = newState
			ch.Baselined = true
			ch.Pending = ""
		}
		return "", false
	}

	if newState == ch.Stable {
		ch.Pending = ""
		return "", false
	}

	if ch.Pending != newState {
		ch.Pending = newState
		ch.PendingSince = now
		return "", false
	}

	if now.Sub(ch.PendingSince) >= d.debounceDuration {
		ch.Stable = newState
		ch.Pending = ""
		return newState, true
	}
	return "", false
}

// IsBaselined returns whether a baseline has been established.
func (d *Debouncer) IsBaselined() bool {
	return d.ch.Baselined
}

// Current returns the stable state ("" before baseline).
func (d *Debouncer) Current() State {
	return d.ch.Stable
}
