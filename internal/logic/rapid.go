package logic

import (
	"sync"
	"time"
)

// Rapid-trigger defaults.
const (
	DefaultPulsePeriod = 100 * time.Millisecond
	// window is this many sample intervals
	rapidWindowIntervals = 4
)

// DefaultRapidWindow returns the rapid-trigger window for a sample interval.
func DefaultRapidWindow(sampleInterval time.Duration) time.Duration {
	return rapidWindowIntervals * sampleInterval
}

// Ticker is a stoppable periodic tick source.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// RapidConfig configures rapid-trigger detection and pulsing.
type RapidConfig struct {
	Window time.Duration
	Period time.Duration
}

// rapidState is the per-sensor timing memory.
type rapidState struct {
	lastPress time.Time
	gen       *pulseGenerator
}

type pulseGenerator struct {
	stop chan struct{}
	done chan struct{}
}

// RapidTrigger watches press timing per sensor and, when presses repeat
// inside the window, drives a periodic press/release pulse until the
// sensor releases.
type RapidTrigger struct {
	cfg       RapidConfig
	emit      func(Event)
	newTicker func(time.Duration) Ticker
	now       func() time.Time

	// OnChange, if set, is called when a sensor enters or leaves rapid mode.
	// It runs with the controller locked and must not call back into it.
	OnChange func(sensorID int, active bool)

	mu     sync.Mutex
	states map[int]*rapidState
}

// NewRapidTrigger creates a controller. emit receives synthetic pulse events
// from the generator goroutines and must be safe for concurrent use.
func NewRapidTrigger(cfg RapidConfig, emit func(Event)) *RapidTrigger {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPulsePeriod
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRapidWindow(DefaultSampleInterval)
	}
	return &RapidTrigger{
		cfg:       cfg,
		emit:      emit,
		newTicker: NewRealTicker,
		now:       time.Now,
		states:    make(map[int]*rapidState),
	}
}

// SetTickerFactory replaces the pulse tick source. For tests.
func (r *RapidTrigger) SetTickerFactory(f func(time.Duration) Ticker) {
	r.newTicker = f
}

// SetClock replaces the clock used to stamp synthetic events. For tests.
func (r *RapidTrigger) SetClock(now func() time.Time) {
	r.now = now
}

// Config returns the effective configuration.
func (r *RapidTrigger) Config() RapidConfig {
	return r.cfg
}

// OnTransition records a real transition for a sensor. A press arriving
// less than Window after the previous press starts the pulse generator;
// a release stops it.
func (r *RapidTrigger) OnTransition(sensorID int, pressed bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.states[sensorID]
	if st == nil {
		st = &rapidState{}
		r.states[sensorID] = st
	}

	if !pressed {
		r.stopLocked(sensorID, st)
		return
	}

	first := st.lastPress.IsZero()
	dt := now.Sub(st.lastPress)
	st.lastPress = now

	if first || dt >= r.cfg.Window || st.gen != nil {
		return
	}

	gen := &pulseGenerator{stop: make(chan struct{}), done: make(chan struct{})}
	st.gen = gen
	go r.pulse(sensorID, gen, r.newTicker(r.cfg.Period))
	if r.OnChange != nil {
		r.OnChange(sensorID, true)
	}
}

// Stop leaves rapid mode for a sensor. It returns after the generator has
// exited, so no pulse is emitted once Stop returns.
func (r *RapidTrigger) Stop(sensorID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st := r.states[sensorID]; st != nil {
		r.stopLocked(sensorID, st)
	}
}

// StopAll stops every running generator.
func (r *RapidTrigger) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.states {
		r.stopLocked(id, st)
	}
}

// Active reports whether a sensor is in rapid mode.
func (r *RapidTrigger) Active(sensorID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[sensorID]
	return st != nil && st.gen != nil
}

func (r *RapidTrigger) stopLocked(sensorID int, st *rapidState) {
	if st.gen == nil {
		return
	}
	close(st.gen.stop)
	<-st.gen.done
	st.gen = nil
	if r.OnChange != nil {
		r.OnChange(sensorID, false)
	}
}

// pulse emits a press immediately followed by a release on every tick.
// A pulse is never split: stop is only observed between pulses.
func (r *RapidTrigger) pulse(sensorID int, gen *pulseGenerator, tk Ticker) {
	defer close(gen.done)
	defer tk.Stop()

	for {
		select {
		case <-gen.stop:
			return
		case <-tk.C():
			select {
			case <-gen.stop:
				return
			default:
			}
			now := r.now()
			r.emit(Event{SensorID: sensorID, Pressed: true, Synthetic: true, Time: now})
			r.emit(Event{SensorID: sensorID, Pressed: false, Synthetic: true, Time: now})
		}
	}
}
