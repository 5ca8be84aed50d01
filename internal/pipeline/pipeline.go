// Package pipeline runs the key-switch pipeline: one sampling goroutine per
// sensor feeding a single resolver goroutine that owns the SOCD state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Runtime defaults.
const (
	DefaultSettle    = 100 * time.Millisecond
	DefaultPeriod    = 20 * time.Millisecond
	DefaultBackoff   = 50 * time.Millisecond
	DefaultQueueSize = 64
)

// Sink receives every key-position change produced by the resolver.
// KeyPosition is called from the resolver goroutine only.
type Sink interface {
	KeyPosition(ev logic.KeyEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev logic.KeyEvent)

// KeyPosition calls f(ev).
func (f SinkFunc) KeyPosition(ev logic.KeyEvent) { f(ev) }

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

// KeyPosition delivers ev to every non-nil sink.
func (m MultiSink) KeyPosition(ev logic.KeyEvent) {
	for _, s := range m {
		if s != nil {
			s.KeyPosition(ev)
		}
	}
}

// Config holds the runtime parameters.
type Config struct {
	SensorCount int

	Settle  time.Duration
	Period  time.Duration
	Backoff time.Duration

	CalibrateOnBoot bool
	Calibration     logic.CalibrationParams

	RapidEnabled bool
	Rapid        logic.RapidConfig

	Policy           logic.Policy
	Pairs            []logic.Pair
	ReportSuppressed bool

	QueueSize int
}

// DefaultConfig returns the default runtime configuration for n sensors.
func DefaultConfig(n int) Config {
	return Config{
		SensorCount:      n,
		Settle:           DefaultSettle,
		Period:           DefaultPeriod,
		Backoff:          DefaultBackoff,
		CalibrateOnBoot:  true,
		Calibration:      logic.DefaultCalibrationParams(),
		RapidEnabled:     true,
		Policy:           logic.PolicyNeutral,
		ReportSuppressed: true,
		QueueSize:        DefaultQueueSize,
	}
}

// SensorStatus is a point-in-time view of one sensor.
type SensorStatus struct {
	ID          int
	Calibration logic.Calibration
	State       logic.State
	Position    bool // last key position reported by the resolver
	LastMV      int
	Rapid       bool
}

// Snapshot is a point-in-time view of the whole pipeline.
type Snapshot struct {
	Sensors []SensorStatus
	Counts  logic.EventCounts
	Policy  logic.Policy
	// Ready is true once every sensor holds a calibration.
	Ready bool
}

// Pipeline drives the sampler, actuators, rapid trigger and resolver.
type Pipeline struct {
	cfg      Config
	sampler  *logic.Sampler
	sink     Sink
	logger   *slog.Logger
	rapid    *logic.RapidTrigger
	resolver *logic.Resolver

	events chan logic.Event
	recal  []chan struct{}

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	// OnCalibrated, if set, is called from the sensor goroutine after every
	// successful calibration. Set it before Run.
	OnCalibrated func(sensorID int, c logic.Calibration)

	// runCtx is set by Run before any goroutine starts.
	runCtx context.Context

	mu       sync.Mutex
	statuses []SensorStatus
	counts   logic.EventCounts
	running  bool
}

// New validates cfg and builds a pipeline. It returns an error wrapping
// logic.ErrConfiguration when no sensors are configured.
func New(cfg Config, sampler *logic.Sampler, sink Sink, logger *slog.Logger) (*Pipeline, error) {
	if cfg.SensorCount <= 0 {
		return nil, fmt.Errorf("%w: no sensors configured", logic.ErrConfiguration)
	}
	if sampler == nil {
		return nil, fmt.Errorf("%w: no sampler", logic.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Calibration == (logic.CalibrationParams{}) {
		cfg.Calibration = logic.DefaultCalibrationParams()
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, err
	}

	resolver, err := logic.NewResolver(logic.ResolverConfig{
		SensorCount:      cfg.SensorCount,
		Policy:           cfg.Policy,
		Pairs:            cfg.Pairs,
		ReportSuppressed: cfg.ReportSuppressed,
	})
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	if cfg.Rapid.Window <= 0 {
		cfg.Rapid.Window = logic.DefaultRapidWindow(sampler.Config().Interval)
	}
	if cfg.RapidEnabled {
		// two presses are at least two sampling cycles apart
		sc := sampler.Config()
		cycle := time.Duration(sc.Samples)*sc.Interval + cfg.Period
		if cfg.Rapid.Window <= 2*cycle {
			logger.Warn("rapid trigger window is shorter than two sampling cycles; rapid mode will not engage",
				"window", cfg.Rapid.Window, "cycle", cycle)
		}
	}

	p := &Pipeline{
		cfg:      cfg,
		sampler:  sampler,
		sink:     sink,
		logger:   logger,
		resolver: resolver,
		events:   make(chan logic.Event, cfg.QueueSize),
		recal:    make([]chan struct{}, cfg.SensorCount),
		now:      time.Now,
		sleep:    sleepContext,
		statuses: make([]SensorStatus, cfg.SensorCount),
	}
	for i := range p.recal {
		p.recal[i] = make(chan struct{}, 1)
		p.statuses[i] = SensorStatus{ID: i, State: logic.StateReleased}
	}

	p.rapid = logic.NewRapidTrigger(cfg.Rapid, p.enqueuePulse)
	p.rapid.OnChange = p.rapidChanged
	p.cfg.Rapid = p.rapid.Config()
	return p, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run starts every goroutine and blocks until ctx is cancelled. It may only
// be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.running = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	p.runCtx = gctx

	p.logger.Info("pipeline starting",
		"sensors", p.cfg.SensorCount,
		"policy", p.cfg.Policy.String(),
		"period", p.cfg.Period,
		"rapid", p.cfg.RapidEnabled,
		"calibrate_on_boot", p.cfg.CalibrateOnBoot)

	g.Go(func() error { return p.runResolver(gctx) })
	for id := 0; id < p.cfg.SensorCount; id++ {
		id := id
		g.Go(func() error { return p.runSensor(gctx, id) })
	}

	err := g.Wait()
	p.rapid.StopAll()
	p.logger.Info("pipeline stopped")
	return err
}

// Recalibrate asks a sensor to recalibrate before its next cycle.
func (p *Pipeline) Recalibrate(sensorID int) error {
	if sensorID < 0 || sensorID >= len(p.recal) {
		return fmt.Errorf("recalibrate sensor %d: %w", sensorID, logic.ErrOutOfRange)
	}
	select {
	case p.recal[sensorID] <- struct{}{}:
	default:
		// already pending
	}
	return nil
}

// RecalibrateAll asks every sensor to recalibrate.
func (p *Pipeline) RecalibrateAll() {
	for id := range p.recal {
		_ = p.Recalibrate(id)
	}
}

// Snapshot returns the current state of every sensor and the counters.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Sensors: make([]SensorStatus, len(p.statuses)),
		Counts:  p.counts,
		Policy:  p.cfg.Policy,
		Ready:   true,
	}
	copy(snap.Sensors, p.statuses)
	for _, s := range snap.Sensors {
		if !s.Calibration.Calibrated() {
			snap.Ready = false
		}
	}
	return snap
}

func (p *Pipeline) runSensor(ctx context.Context, id int) error {
	defer p.rapid.Stop(id)
	log := p.logger.With("sensor", id)
	sensor := logic.NewSensor(id)

	if err := p.sleep(ctx, p.cfg.Settle); err != nil {
		return nil
	}

	if p.cfg.CalibrateOnBoot {
		if !p.calibrate(ctx, sensor, log) {
			return nil
		}
	} else {
		log.Warn("calibration on boot disabled; sensor reads as pressed until recalibrated")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.recal[id]:
			if !p.calibrate(ctx, sensor, log) {
				return nil
			}
		default:
		}

		wait := p.cfg.Period
		mv, err := p.sampler.Sample(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.mu.Lock()
			p.counts.AcquisitionErrors++
			p.mu.Unlock()
			log.Warn("acquisition failed", "error", err)
			wait = p.cfg.Backoff
		} else {
			if tr, ok := sensor.Process(mv); ok {
				p.transition(ctx, sensor, tr, log)
			}
			p.mu.Lock()
			p.statuses[id].LastMV = mv
			p.statuses[id].State = sensor.State()
			p.mu.Unlock()
		}

		if err := p.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// calibrate retries until a calibration succeeds. It returns false only if
// ctx is cancelled first.
func (p *Pipeline) calibrate(ctx context.Context, sensor *logic.Sensor, log *slog.Logger) bool {
	id := sensor.ID()
	for {
		c, err := logic.Calibrate(ctx, p.sampler, id, p.cfg.Calibration)
		if err == nil {
			sensor.SetCalibration(c)
			p.mu.Lock()
			p.statuses[id].Calibration = c
			p.mu.Unlock()
			log.Info("calibrated",
				"baseline_mv", c.BaselineMV,
				"threshold_mv", c.ThresholdMV,
				"hysteresis_mv", c.HysteresisMV)
			if p.OnCalibrated != nil {
				p.OnCalibrated(id, c)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		p.mu.Lock()
		p.counts.CalibrationErrors++
		p.mu.Unlock()
		log.Warn("calibration failed, retrying", "error", err, "backoff", p.cfg.Backoff)
		if err := p.sleep(ctx, p.cfg.Backoff); err != nil {
			return false
		}
	}
}

func (p *Pipeline) transition(ctx context.Context, sensor *logic.Sensor, tr logic.Transition, log *slog.Logger) {
	c := sensor.Calibration()
	now := p.now()

	p.mu.Lock()
	if tr.Pressed() {
		p.counts.Presses++
	} else {
		p.counts.Releases++
	}
	p.mu.Unlock()

	if tr.Pressed() {
		log.Debug("pressed", "mv", tr.MV, "threshold_mv", c.ThresholdMV)
	} else {
		log.Debug("released", "mv", tr.MV, "release_mv", c.ReleaseMV())
	}

	if p.cfg.RapidEnabled {
		p.rapid.OnTransition(tr.SensorID, tr.Pressed(), now)
	}
	p.enqueue(ctx, tr.Event(now))
}

// enqueuePulse receives synthetic events from pulse generators.
func (p *Pipeline) enqueuePulse(ev logic.Event) {
	if ev.Pressed {
		p.mu.Lock()
		p.counts.Pulses++
		p.mu.Unlock()
	}
	p.enqueue(p.runCtx, ev)
}

func (p *Pipeline) enqueue(ctx context.Context, ev logic.Event) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

func (p *Pipeline) rapidChanged(sensorID int, active bool) {
	p.mu.Lock()
	p.statuses[sensorID].Rapid = active
	p.mu.Unlock()

	if active {
		p.logger.Info("rapid trigger started", "sensor", sensorID, "period", p.cfg.Rapid.Period)
	} else {
		p.logger.Info("rapid trigger stopped", "sensor", sensorID)
	}
}

// runResolver owns the resolver. Nothing else touches it.
func (p *Pipeline) runResolver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.events:
			p.resolve(ev)
		}
	}
}

func (p *Pipeline) resolve(ev logic.Event) {
	before := p.resolver.Dropped()
	out := p.resolver.Handle(ev)
	if dropped := p.resolver.Dropped(); dropped != before {
		p.mu.Lock()
		p.counts.Dropped = dropped
		p.mu.Unlock()
		p.logger.Debug("event dropped", "sensor", ev.SensorID, "error", logic.ErrOutOfRange)
		return
	}

	if len(out) == 0 {
		return
	}
	p.mu.Lock()
	for _, ke := range out {
		p.statuses[ke.SensorID].Position = ke.Pressed
	}
	p.mu.Unlock()

	if p.sink == nil {
		return
	}
	for _, ke := range out {
		p.sink.KeyPosition(ke)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
