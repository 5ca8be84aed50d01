// Package logic contains the actuation pipeline for Hall-effect key switches:
// sampling, calibration, hysteresis, rapid trigger and SOCD resolution.
// This package has NO hardware dependencies (no ADC, GPIO, MQTT or OS access).
// Time is always injectable via time.Time parameters or clock functions.
package logic

import "time"

// MaxSensors bounds the sensor table.
const MaxSensors = 32

// State represents the debounced actuation state of a sensor.
type State string

const (
	StateReleased State = "RELEASED"
	StatePressed  State = "PRESSED"
)

func boolToState(pressed bool) State {
	if pressed {
		return StatePressed
	}
	return StateReleased
}

// Event is a raw press/release transition for one sensor, either produced by
// the Actuator or synthesized by a rapid-trigger pulse.
type Event struct {
	SensorID  int
	Pressed   bool
	Synthetic bool
	Time      time.Time
}

// KeyEvent is an externally visible key-position change produced by the Resolver.
type KeyEvent struct {
	SensorID  int
	Pressed   bool
	Synthetic bool
	Timestamp time.Time
}

// State returns the key position as a State.
func (k KeyEvent) State() State {
	return boolToState(k.Pressed)
}

// EventCounts tracks pipeline activity since startup.
type EventCounts struct {
	Presses           int
	Releases          int
	Pulses            int
	AcquisitionErrors int
	CalibrationErrors int
	Dropped           int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
}
