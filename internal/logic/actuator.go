package logic

import "time"

// Transition is a state change reported by a Sensor.
type Transition struct {
	SensorID int
	From     State
	To       State
	MV       int
}

// Pressed reports whether the transition enters the pressed state.
func (t Transition) Pressed() bool {
	return t.To == StatePressed
}

// Event converts the transition to a pipeline event.
func (t Transition) Event(now time.Time) Event {
	return Event{SensorID: t.SensorID, Pressed: t.Pressed(), Time: now}
}

// Sensor is one actuation channel: its calibration and debounced state.
// Only Process mutates the state.
type Sensor struct {
	id    int
	cal   Calibration
	state State
	// last averaged reading, for diagnostics
	lastMV int
}

// NewSensor creates a released, uncalibrated sensor.
func NewSensor(id int) *Sensor {
	return &Sensor{id: id, state: StateReleased}
}

// ID returns the logical sensor id.
func (s *Sensor) ID() int {
	return s.id
}

// SetCalibration installs a calibration result. The debounced state is kept.
func (s *Sensor) SetCalibration(c Calibration) {
	s.cal = c
}

// Calibration returns the current calibration.
func (s *Sensor) Calibration() Calibration {
	return s.cal
}

// State returns the debounced state.
func (s *Sensor) State() State {
	return s.state
}

// LastMV returns the most recent averaged reading passed to Process.
func (s *Sensor) LastMV() int {
	return s.lastMV
}

// Process applies one averaged reading and returns the transition, if any.
// Readings inside the band (release level, threshold) never change state.
func (s *Sensor) Process(mv int) (Transition, bool) {
	s.lastMV = mv

	switch s.state {
	case StatePressed:
		if mv <= s.cal.ReleaseMV() {
			s.state = StateReleased
			return Transition{SensorID: s.id, From: StatePressed, To: StateReleased, MV: mv}, true
		}
	default:
		if mv >= s.cal.ThresholdMV {
			s.state = StatePressed
			return Transition{SensorID: s.id, From: StateReleased, To: StatePressed, MV: mv}, true
		}
	}
	return Transition{}, false
}
