package logic

import (
	"fmt"
	"sort"
	"strings"
)

// Policy selects how an opposing pair pressed together is resolved.
type Policy int

const (
	// PolicyNeutral releases both members while both are held.
	PolicyNeutral Policy = iota
	// PolicyFirst keeps the member that was held first.
	PolicyFirst
	// PolicyLast lets the most recently pressed member win.
	PolicyLast
)

func (p Policy) String() string {
	switch p {
	case PolicyNeutral:
		return "neutral"
	case PolicyFirst:
		return "first"
	case PolicyLast:
		return "last"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "neutral", "first" or "last" (also the firmware's
// numeric forms "0", "1", "2").
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "neutral", "0", "":
		return PolicyNeutral, nil
	case "first", "first_priority", "1":
		return PolicyFirst, nil
	case "last", "last_priority", "2":
		return PolicyLast, nil
	default:
		return 0, fmt.Errorf("%w: unknown socd policy %q", ErrConfiguration, s)
	}
}

// Pair names two opposing sensors, e.g. up and down on one axis.
type Pair [2]int

// ResolverConfig configures the SOCD resolver.
type ResolverConfig struct {
	SensorCount int
	Policy      Policy
	Pairs       []Pair
	// ReportSuppressed emits an explicit release for a press that the
	// policy suppresses, even though that key was never reported pressed.
	ReportSuppressed bool
}

// Resolver decides the externally visible key position of every sensor.
// It is not safe for concurrent use; the owner must serialize Handle calls.
type Resolver struct {
	policy           Policy
	reportSuppressed bool

	states  []bool // physical press state per sensor
	emitted []bool // last key position reported per sensor
	partner []int  // opposing sensor, -1 if unpaired
	pairOf  []int  // pair index, -1 if unpaired
	// most recent member pressed, per pair
	pairLast []int

	lastPressed int
	dropped     int
}

// NewResolver validates cfg and returns a Resolver with every sensor released.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.SensorCount <= 0 {
		return nil, fmt.Errorf("%w: no sensors", ErrConfiguration)
	}
	if cfg.SensorCount > MaxSensors {
		return nil, fmt.Errorf("%w: %d sensors exceeds maximum of %d", ErrConfiguration, cfg.SensorCount, MaxSensors)
	}

	n := cfg.SensorCount
	r := &Resolver{
		policy:           cfg.Policy,
		reportSuppressed: cfg.ReportSuppressed,
		states:           make([]bool, n),
		emitted:          make([]bool, n),
		partner:          make([]int, n),
		pairOf:           make([]int, n),
		pairLast:         make([]int, len(cfg.Pairs)),
		lastPressed:      -1,
	}
	for i := range r.partner {
		r.partner[i] = -1
		r.pairOf[i] = -1
	}

	for i, p := range cfg.Pairs {
		a, b := p[0], p[1]
		if a < 0 || a >= n || b < 0 || b >= n {
			return nil, fmt.Errorf("%w: pair %d references unknown sensor", ErrConfiguration, i)
		}
		if a == b {
			return nil, fmt.Errorf("%w: pair %d pairs sensor %d with itself", ErrConfiguration, i, a)
		}
		if r.partner[a] >= 0 || r.partner[b] >= 0 {
			return nil, fmt.Errorf("%w: pair %d reuses a sensor already paired", ErrConfiguration, i)
		}
		r.partner[a], r.partner[b] = b, a
		r.pairOf[a], r.pairOf[b] = i, i
		r.pairLast[i] = -1
	}
	return r, nil
}

// SensorCount returns the number of configured sensors.
func (r *Resolver) SensorCount() int {
	return len(r.states)
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// LastPressed returns the most recent sensor to be pressed.
func (r *Resolver) LastPressed() (int, bool) {
	return r.lastPressed, r.lastPressed >= 0
}

// Dropped returns how many events referenced an unknown sensor id.
func (r *Resolver) Dropped() int {
	return r.dropped
}

// Pressed reports the physical state last recorded for a sensor.
func (r *Resolver) Pressed(sensorID int) bool {
	if sensorID < 0 || sensorID >= len(r.states) {
		return false
	}
	return r.states[sensorID]
}

// Position reports the key position last emitted for a sensor.
func (r *Resolver) Position(sensorID int) bool {
	if sensorID < 0 || sensorID >= len(r.emitted) {
		return false
	}
	return r.emitted[sensorID]
}

// Handle records an event and returns the key-position changes it causes.
// Releases are ordered before presses so two opposing keys are never seen
// held at once. Events for unknown ids are dropped and counted.
func (r *Resolver) Handle(ev Event) []KeyEvent {
	id := ev.SensorID
	if id < 0 || id >= len(r.states) {
		r.dropped++
		return nil
	}

	r.states[id] = ev.Pressed
	if ev.Pressed {
		r.lastPressed = id
		if p := r.pairOf[id]; p >= 0 {
			r.pairLast[p] = id
		}
	}

	members := []int{id}
	if p := r.partner[id]; p >= 0 {
		members = append(members, p)
	}

	var releases, presses []KeyEvent
	for _, m := range members {
		want := r.resolve(m)
		if want == r.emitted[m] {
			if m == id && ev.Pressed && !want && r.reportSuppressed {
				releases = append(releases, KeyEvent{SensorID: m, Synthetic: ev.Synthetic, Timestamp: ev.Time})
			}
			continue
		}
		r.emitted[m] = want
		ke := KeyEvent{SensorID: m, Pressed: want, Synthetic: ev.Synthetic, Timestamp: ev.Time}
		if want {
			presses = append(presses, ke)
		} else {
			releases = append(releases, ke)
		}
	}

	byID := func(s []KeyEvent) {
		sort.Slice(s, func(i, j int) bool { return s[i].SensorID < s[j].SensorID })
	}
	byID(releases)
	byID(presses)
	return append(releases, presses...)
}

// resolve returns the key position a sensor should have now.
func (r *Resolver) resolve(id int) bool {
	if !r.states[id] {
		return false
	}
	p := r.partner[id]
	if p < 0 || !r.states[p] {
		return true
	}
	last := r.pairLast[r.pairOf[id]]
	switch r.policy {
	case PolicyLast:
		return last == id
	case PolicyFirst:
		return last != id
	default:
		return false
	}
}
