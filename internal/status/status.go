// Package status holds a thread-safe snapshot of the daemon for the HTTP
// server and MQTT lifecycle events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// NetworkInfo contains network state as written by the host helper.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Samples          int
	SampleIntervalMs int64
	PeriodMs         int64
	Policy           string
	RapidEnabled     bool
	RapidWindowMs    int64
	PulseMs          int64
	HeartbeatMs      int64
	ADCDriver        string
	Broker           string
	HTTPAddr         string
}

// Sensor is the display state of one sensor.
type Sensor struct {
	ID          int
	Name        string
	Channel     int
	State       logic.State
	Position    bool
	LastMV      int
	Calibration logic.Calibration
	Rapid       bool
}

// Snapshot is a point-in-time view of daemon state. It is a value type and
// shares no memory with the tracker.
type Snapshot struct {
	Sensors       []Sensor
	Ready         bool
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{StartTime: startTime, Config: cfg},
		now:  time.Now,
	}
}

// Update replaces the sensor list, readiness and counters.
func (t *Tracker) Update(sensors []Sensor, ready bool, counts logic.EventCounts) {
	cp := append([]Sensor(nil), sensors...)
	t.mu.Lock()
	t.snap.Sensors = cp
	t.snap.Ready = ready
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a copy of the daemon state with Now set to the current
// time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Sensors = append([]Sensor(nil), t.snap.Sensors...)
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
