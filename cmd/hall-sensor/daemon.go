package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/hall-sensor/internal/config"
	"github.com/sweeney/hall-sensor/internal/gpio"
	"github.com/sweeney/hall-sensor/internal/logic"
	"github.com/sweeney/hall-sensor/internal/mqtt"
	"github.com/sweeney/hall-sensor/internal/pipeline"
	"github.com/sweeney/hall-sensor/internal/status"
	"github.com/sweeney/hall-sensor/internal/store"
	"github.com/sweeney/hall-sensor/internal/uinput"
	"github.com/sweeney/hall-sensor/internal/web"
)

const (
	// statusRefresh is how often the tracker is refreshed from the pipeline.
	statusRefresh = 250 * time.Millisecond
	shutdownGrace = 2 * time.Second
	// storeTimeout bounds one history write, including during shutdown.
	storeTimeout = time.Second
)

// calibrationEvent is handed from a sensor goroutine to the main loop.
type calibrationEvent struct {
	sensorID int
	cal      logic.Calibration
	at       time.Time
}

// pipelineView is the part of the pipeline the main loop reads.
type pipelineView interface {
	Snapshot() pipeline.Snapshot
}

// daemon owns the lifecycle events: STARTUP, SHUTDOWN, HEARTBEAT and
// CALIBRATED, plus the status tracker refresh.
type daemon struct {
	pipe       pipelineView
	publisher  mqtt.Publisher // nil when no broker is configured
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	store      *store.Store // nil when no history is kept
	sensors    []config.SensorConfig
	heartbeat  time.Duration
	now        func() time.Time
	logger     *slog.Logger

	calibrated chan calibrationEvent
}

func runDaemon(cmd *cobra.Command, gf *globalFlags) error {
	cfg, err := loadConfig(cmd, gf)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	binding, sampler, err := openSampler(cfg, logger)
	if err != nil {
		return err
	}
	defer binding.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	pc := cfg.PipelineConfig()
	tracker := status.NewTracker(time.Now(), status.Config{
		Samples:          cfg.Sampling.Samples,
		SampleIntervalMs: int64(cfg.Sampling.SampleIntervalMS),
		PeriodMs:         int64(cfg.Sampling.PeriodMS),
		Policy:           pc.Policy.String(),
		RapidEnabled:     pc.RapidEnabled,
		RapidWindowMs:    pc.Rapid.Window.Milliseconds(),
		PulseMs:          pc.Rapid.Period.Milliseconds(),
		HeartbeatMs:      int64(cfg.MQTT.HeartbeatMS),
		ADCDriver:        cfg.ADC.Driver,
		Broker:           cfg.MQTT.Broker,
		HTTPAddr:         cfg.HTTP.Addr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	d := &daemon{
		tracker:    tracker,
		sensors:    cfg.Sensors,
		heartbeat:  time.Duration(cfg.MQTT.HeartbeatMS) * time.Millisecond,
		now:        time.Now,
		logger:     logger,
		calibrated: make(chan calibrationEvent, 4*len(cfg.Sensors)),
	}

	var sinks pipeline.MultiSink

	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Names:       cfg.Names(),
			BufferSize:  cfg.MQTT.BufferSize,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer pub.Close()
		d.publisher, d.mqttStatus = pub, pub
		sinks = append(sinks, mqtt.NewSink(pub, logger))
	} else {
		logger.Warn("no mqtt broker configured; key events are not published")
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(config.ExpandPath(cfg.Store.Path))
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		defer st.Close()
		d.store = st
	}

	var srv *web.Server
	if cfg.HTTP.Addr != "" {
		srv = web.New(cfg.HTTP.Addr, tracker, logger)
		sinks = append(sinks, srv)
	}

	if cfg.Uinput.Enabled {
		keys := cfg.KeyCodes()
		codes := make([]uint16, 0, len(keys))
		for _, c := range keys {
			codes = append(codes, c)
		}
		dev, err := uinput.Open(cfg.Uinput.Name, codes)
		if err != nil {
			return fmt.Errorf("init uinput: %w", err)
		}
		kb, err := uinput.NewKeyboard(dev, uinput.TimevalSize, keys, logger)
		if err != nil {
			dev.Close()
			return err
		}
		defer kb.Close()
		sinks = append(sinks, kb)
		logger.Info("virtual keyboard created", "name", cfg.Uinput.Name, "keys", len(keys))
	}

	pipe, err := pipeline.New(pc, sampler, sinks, logger)
	if err != nil {
		return err
	}
	pipe.OnCalibrated = d.onCalibrated
	d.pipe = pipe

	var button *gpio.Button
	if cfg.Button.Enabled {
		r, err := gpio.NewRealReader(cfg.Button.Chip, cfg.Button.Line)
		if err != nil {
			return fmt.Errorf("init button: %w", err)
		}
		defer r.Close()
		button = gpio.NewButton(r, time.Duration(cfg.Button.DebounceMS)*time.Millisecond, logger)
	}

	d.publishSystem("STARTUP", "", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipe.Run(gctx) })

	if srv != nil {
		g.Go(func() error {
			srv.Run(gctx)
			return nil
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				// not fatal; the daemon keeps reading keys
				logger.Error("http server error", "error", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer scancel()
			return srv.Shutdown(sctx)
		})
		logger.Info("http status server listening", "addr", cfg.HTTP.Addr)
	}

	if button != nil {
		g.Go(func() error {
			tk := time.NewTicker(time.Duration(cfg.Button.PollMS) * time.Millisecond)
			defer tk.Stop()
			button.Run(gctx, tk.C, func() {
				logger.Info("recalibration button pressed")
				pipe.RecalibrateAll()
			})
			return nil
		})
	}

	logger.Info("started",
		"sensors", len(cfg.Sensors),
		"adc", cfg.ADC.Driver,
		"policy", pc.Policy.String(),
		"broker", cfg.MQTT.Broker,
		"heartbeat", d.heartbeat)

	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		defer cancel()
		return d.runLoop(gctx, ticker.C, sigCh)
	})
	return g.Wait()
}

// onCalibrated runs on a sensor goroutine and must not block it.
func (d *daemon) onCalibrated(sensorID int, c logic.Calibration) {
	select {
	case d.calibrated <- calibrationEvent{sensorID: sensorID, cal: c, at: d.now()}:
	default:
		d.logger.Warn("calibration event queue full", "sensor", sensorID)
	}
}

// runLoop publishes lifecycle events until a signal arrives or ctx ends.
func (d *daemon) runLoop(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	hb := logic.NewHeartbeat(d.now())

	for {
		select {
		case s := <-sig:
			d.logger.Info("shutting down", "signal", s.String())
			d.drainCalibrated(ctx)
			d.refresh()
			d.publishSystem("SHUTDOWN", signalName(s), true)
			return nil

		case <-ctx.Done():
			d.drainCalibrated(ctx)
			d.refresh()
			d.publishSystem("SHUTDOWN", "ERROR", true)
			return nil

		case ev := <-d.calibrated:
			d.recordCalibration(ctx, ev)

		case <-tick:
			t := d.now()
			snap := d.refresh()

			if hbData := hb.Check(t, d.heartbeat, snap.Ready, snap.Counts); hbData != nil {
				c := hbData.Counts
				d.logger.Info("heartbeat",
					"uptime", hbData.Uptime,
					"presses", c.Presses,
					"releases", c.Releases,
					"pulses", c.Pulses,
					"acquisition_errors", c.AcquisitionErrors,
					"calibration_errors", c.CalibrationErrors,
					"dropped", c.Dropped)
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					d.tracker.SetNetwork(net)
				}
				d.publishSystem("HEARTBEAT", "", false)
			}
		}
	}
}

// drainCalibrated handles calibrations queued before shutdown.
func (d *daemon) drainCalibrated(ctx context.Context) {
	for {
		select {
		case ev := <-d.calibrated:
			d.recordCalibration(ctx, ev)
		default:
			return
		}
	}
}

// refresh copies the pipeline state into the tracker.
func (d *daemon) refresh() pipeline.Snapshot {
	snap := d.pipe.Snapshot()
	d.tracker.Update(statusSensors(snap, d.sensors), snap.Ready, snap.Counts)
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
	return snap
}

func (d *daemon) recordCalibration(ctx context.Context, ev calibrationEvent) {
	if d.store != nil {
		// queued calibrations are still recorded after ctx is cancelled
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if _, err := d.store.RecordCalibration(ctx, ev.sensorID, ev.cal, "daemon", ev.at); err != nil {
			d.logger.Warn("failed to record calibration", "sensor", ev.sensorID, "error", err)
		}
	}
	d.refresh()
	d.publishSystem("CALIBRATED", fmt.Sprintf("sensor %d", ev.sensorID), false)
}

// publishSystem sends a lifecycle event with the current status snapshot.
// Failures are logged; they never stop the daemon.
func (d *daemon) publishSystem(event, reason string, retained bool) {
	if d.publisher == nil {
		return
	}
	snap := d.tracker.Snapshot()
	err := d.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		d.logger.Warn("failed to publish system event", "event", event, "error", err)
		return
	}
	d.logger.Debug("published system event", "event", event)
}

// statusSensors joins pipeline state with the configured names and channels.
func statusSensors(snap pipeline.Snapshot, sensors []config.SensorConfig) []status.Sensor {
	byID := make(map[int]config.SensorConfig, len(sensors))
	for _, s := range sensors {
		byID[s.ID] = s
	}
	out := make([]status.Sensor, len(snap.Sensors))
	for i, s := range snap.Sensors {
		sc := byID[s.ID]
		out[i] = status.Sensor{
			ID:          s.ID,
			Name:        sc.Name,
			Channel:     sc.Channel,
			State:       s.State,
			Position:    s.Position,
			LastMV:      s.LastMV,
			Calibration: s.Calibration,
			Rapid:       s.Rapid,
		}
	}
	return out
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}
