package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/sweeney/hall-sensor/internal/adc"
	"github.com/sweeney/hall-sensor/internal/config"
	"github.com/sweeney/hall-sensor/internal/logic"
	"github.com/sweeney/hall-sensor/internal/mqtt"
	"github.com/sweeney/hall-sensor/internal/pipeline"
	"github.com/sweeney/hall-sensor/internal/status"
	"github.com/sweeney/hall-sensor/internal/store"
)

func init() {
	color.NoColor = true
}

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo when NETWORK_STATUS is set")
	}
	if info.Status != "connected" || info.IP != "" {
		t.Errorf("unexpected info: %+v", info)
	}
}

// --- runLoop tests ---

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

// fakeView serves a fixed pipeline snapshot.
type fakeView struct {
	mu   sync.Mutex
	snap pipeline.Snapshot
}

func (f *fakeView) Snapshot() pipeline.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func readyView() *fakeView {
	cal := logic.DeriveCalibration(500, logic.DefaultCalibrationParams())
	return &fakeView{snap: pipeline.Snapshot{
		Sensors: []pipeline.SensorStatus{
			{ID: 0, Calibration: cal, State: logic.StatePressed, Position: true, LastMV: 990},
			{ID: 1, Calibration: cal, State: logic.StateReleased, LastMV: 505, Rapid: true},
		},
		Counts: logic.EventCounts{Presses: 3, Releases: 2},
		Ready:  true,
	}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDaemon(pub *mqtt.FakePublisher, view *fakeView, heartbeat time.Duration, now func() time.Time) *daemon {
	d := &daemon{
		pipe:      view,
		tracker:   status.NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), status.Config{}),
		sensors:   []config.SensorConfig{{ID: 0, Channel: 3, Name: "left"}, {ID: 1, Channel: 4, Name: "right"}},
		heartbeat: heartbeat,
		now:       now,
		logger:    discardLogger(),

		calibrated: make(chan calibrationEvent, 8),
	}
	if pub != nil {
		d.publisher, d.mqttStatus = pub, pub
	}
	return d
}

// runRunLoop drives runLoop with n ticks and then a signal.
func runRunLoop(t *testing.T, d *daemon, nTicks int, s os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.runLoop(context.Background(), tick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sig <- s

	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not return")
		return nil
	}
}

func countEvents(names []string, want string) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

func TestRunLoopShutdownOnSignal(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 0, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))

	if err := runRunLoop(t, d, 2, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	names := pub.SystemEventNames()
	if len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Fatalf("expected only SHUTDOWN, got %v", names)
	}
	ev := pub.SystemEvents[0]
	if ev.Reason != "SIGTERM" || !ev.Retained {
		t.Errorf("shutdown event: reason %q retained %v", ev.Reason, ev.Retained)
	}
	if !strings.Contains(string(ev.RawPayload), `"reason":"SIGTERM"`) {
		t.Errorf("payload missing reason: %s", ev.RawPayload)
	}
}

func TestRunLoopUpdatesTracker(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	d := newTestDaemon(pub, readyView(), 0, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))

	if err := runRunLoop(t, d, 1, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	snap := d.tracker.Snapshot()
	if !snap.Ready || !snap.MQTTConnected {
		t.Errorf("ready=%v mqtt=%v", snap.Ready, snap.MQTTConnected)
	}
	if len(snap.Sensors) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(snap.Sensors))
	}
	want := status.Sensor{
		ID: 1, Name: "right", Channel: 4, State: logic.StateReleased, LastMV: 505,
		Calibration: logic.DeriveCalibration(500, logic.DefaultCalibrationParams()), Rapid: true,
	}
	if snap.Sensors[1] != want {
		t.Errorf("sensor 1:\ngot  %+v\nwant %+v", snap.Sensors[1], want)
	}
	if snap.Counts.Presses != 3 {
		t.Errorf("counts: %+v", snap.Counts)
	}
	if pub.SystemEvents[0].Reason != "SIGINT" {
		t.Errorf("reason: %q", pub.SystemEvents[0].Reason)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	// clock calls: t0 at start, then one per tick at +5m, +10m, +15m, +20m.
	// The 15 min heartbeat fires once, at the third tick.
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 15*time.Minute, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5*time.Minute))

	if err := runRunLoop(t, d, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	names := pub.SystemEventNames()
	if got := countEvents(names, "HEARTBEAT"); got != 1 {
		t.Errorf("expected 1 HEARTBEAT, got %d (%v)", got, names)
	}
	for _, ev := range pub.SystemEvents {
		if ev.Event == "HEARTBEAT" && ev.Retained {
			t.Error("heartbeat should not be retained")
		}
	}
}

func TestRunLoopNoHeartbeatUntilReady(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	view := readyView()
	view.snap.Ready = false
	d := newTestDaemon(pub, view, time.Minute, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 5*time.Minute))

	if err := runRunLoop(t, d, 4, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := countEvents(pub.SystemEventNames(), "HEARTBEAT"); got != 0 {
		t.Errorf("expected no HEARTBEAT before calibration, got %d", got)
	}
}

func TestRunLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 0, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Hour))

	if err := runRunLoop(t, d, 5, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if got := countEvents(pub.SystemEventNames(), "HEARTBEAT"); got != 0 {
		t.Errorf("expected no HEARTBEAT when disabled, got %d", got)
	}
}

func TestRunLoopCalibratedEvent(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 0, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Second))
	st, err := store.Open(store.Memory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	d.store = st

	cal := logic.DeriveCalibration(610, logic.DefaultCalibrationParams())
	d.onCalibrated(1, cal)

	if err := runRunLoop(t, d, 1, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	var calEv *mqtt.SystemEvent
	for i, ev := range pub.SystemEvents {
		if ev.Event == "CALIBRATED" {
			calEv = &pub.SystemEvents[i]
		}
	}
	if calEv == nil {
		t.Fatalf("expected CALIBRATED event, got %v", pub.SystemEventNames())
	}
	if calEv.Reason != "sensor 1" {
		t.Errorf("reason: %q", calEv.Reason)
	}

	rec, ok, err := st.Latest(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("expected stored calibration: ok=%v err=%v", ok, err)
	}
	if rec.Calibration != cal || rec.Source != "daemon" {
		t.Errorf("stored record: %+v", rec)
	}
}

func TestRunLoopContextCancelled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 0, time.Now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.runLoop(ctx, nil, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(pub.SystemEvents) != 1 || pub.SystemEvents[0].Reason != "ERROR" {
		t.Errorf("expected SHUTDOWN/ERROR, got %+v", pub.SystemEvents)
	}
}

func TestRunLoopContextCancelledStillRecordsCalibrations(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	d := newTestDaemon(pub, readyView(), 0, time.Now)
	st, err := store.Open(store.Memory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	d.store = st

	cal0 := logic.DeriveCalibration(500, logic.DefaultCalibrationParams())
	cal1 := logic.DeriveCalibration(540, logic.DefaultCalibrationParams())
	d.onCalibrated(0, cal0)
	d.onCalibrated(1, cal1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.runLoop(ctx, nil, nil); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	recs, err := st.ListCalibrations(context.Background(), -1, 0)
	if err != nil {
		t.Fatalf("ListCalibrations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recorded calibrations, got %d", len(recs))
	}
	if names := pub.SystemEventNames(); names[len(names)-1] != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN last, got %v", names)
	}
}

func TestRunLoopPublishFailureIsNotFatal(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("broker down")
	d := newTestDaemon(pub, readyView(), time.Minute, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute))

	if err := runRunLoop(t, d, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("publish failures must not stop the loop: %v", err)
	}
}

func TestRunLoopWithoutBroker(t *testing.T) {
	d := newTestDaemon(nil, readyView(), time.Minute, fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute))
	d.onCalibrated(0, logic.DeriveCalibration(500, logic.DefaultCalibrationParams()))

	if err := runRunLoop(t, d, 3, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if d.tracker.Snapshot().MQTTConnected {
		t.Error("no broker means not connected")
	}
}

func TestOnCalibratedNeverBlocks(t *testing.T) {
	d := newTestDaemon(nil, readyView(), 0, time.Now)
	d.calibrated = make(chan calibrationEvent, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.onCalibrated(0, logic.Calibration{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onCalibrated blocked on a full queue")
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v) = %q, want %q", tt.sig, got, tt.want)
		}
	}
}

// --- one-shot commands ---

func fakeConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.ADC.Driver = config.DriverFake
	cfg.Sampling.Samples = 1
	cfg.Sampling.SampleIntervalMS = 0
	cfg.Sensors = []config.SensorConfig{{ID: 0, Channel: 0, Name: "up"}, {ID: 1, Channel: 1}}
	return cfg
}

func fakeSampler(t *testing.T, cfg config.Config, levels map[int]int32) (*adc.FakeSource, *logic.Sampler) {
	t.Helper()
	src := adc.NewFakeSource(nil)
	for ch, raw := range levels {
		src.Set(ch, raw)
	}
	b, err := adc.NewBinding(src, cfg.Channels())
	if err != nil {
		t.Fatalf("NewBinding: %v", err)
	}
	sc := cfg.SamplerConfig()
	sc.Resolution = 12
	sc.VrefMV = 4095 // raw counts read as millivolts
	return src, logic.NewSampler(b, sc)
}

func TestCalibrateAll(t *testing.T) {
	cfg := fakeConfig()
	_, sampler := fakeSampler(t, cfg, map[int]int32{0: 500, 1: 700})
	st, err := store.Open(store.Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var out bytes.Buffer
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := calibrateAll(context.Background(), &out, cfg, sampler, st, func() time.Time { return at }); err != nil {
		t.Fatalf("calibrateAll: %v", err)
	}

	for _, want := range []string{"sensor 0 (up): baseline=500 mV press>=900 mV release<=850 mV OK", "sensor 1: baseline=700 mV"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	recs, _ := st.ListCalibrations(context.Background(), -1, 0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(recs))
	}
	if recs[0].Source != "cli" || !recs[0].RecordedAt.Equal(at) {
		t.Errorf("record: %+v", recs[0])
	}
}

func TestCalibrateAllReportsFailures(t *testing.T) {
	cfg := fakeConfig()
	// channel 1 reads zero, a non-positive baseline
	_, sampler := fakeSampler(t, cfg, map[int]int32{0: 500})

	var out bytes.Buffer
	err := calibrateAll(context.Background(), &out, cfg, sampler, nil, time.Now)
	if !errors.Is(err, logic.ErrCalibration) {
		t.Fatalf("expected ErrCalibration, got %v", err)
	}
	if !strings.Contains(out.String(), "sensor 1: FAILED") {
		t.Errorf("failure not reported:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "sensor 0 (up): baseline=500") {
		t.Errorf("healthy sensor not calibrated:\n%s", out.String())
	}
}

func TestPrintState(t *testing.T) {
	cfg := fakeConfig()
	_, sampler := fakeSampler(t, cfg, map[int]int32{0: 950, 1: 520})
	st, err := store.Open(store.Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	st.RecordCalibration(context.Background(), 0, logic.DeriveCalibration(500, logic.DefaultCalibrationParams()), "cli", time.Now())

	var out bytes.Buffer
	if err := printState(context.Background(), &out, cfg, sampler, st); err != nil {
		t.Fatalf("printState: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if lines[0] != "sensor 0 (up): 950 mV PRESSED" {
		t.Errorf("line 0: %q", lines[0])
	}
	if lines[1] != "sensor 1: 520 mV uncalibrated" {
		t.Errorf("line 1: %q", lines[1])
	}
}

func TestPrintStateReadError(t *testing.T) {
	cfg := fakeConfig()
	src, sampler := fakeSampler(t, cfg, nil)
	src.ReadError = errors.New("spi timeout")

	err := printState(context.Background(), io.Discard, cfg, sampler, nil)
	if !errors.Is(err, logic.ErrAcquisition) {
		t.Errorf("expected ErrAcquisition, got %v", err)
	}
}

func TestPrintHistory(t *testing.T) {
	st, err := store.Open(store.Memory)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	var out bytes.Buffer
	if err := printHistory(context.Background(), &out, st, -1, 0); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	if !strings.Contains(out.String(), "no calibrations recorded") {
		t.Errorf("empty history: %q", out.String())
	}

	st.RecordCalibration(context.Background(), 2, logic.DeriveCalibration(480, logic.DefaultCalibrationParams()), "daemon", time.Now())
	out.Reset()
	if err := printHistory(context.Background(), &out, st, 2, 5); err != nil {
		t.Fatalf("printHistory: %v", err)
	}
	if !strings.Contains(out.String(), "sensor 2  baseline=480 threshold=880 hysteresis=50 [daemon]") {
		t.Errorf("history line: %q", out.String())
	}
}

func TestMvToRaw(t *testing.T) {
	for _, mv := range []int{0, 500, 1650, 3300} {
		raw := mvToRaw(mv, 12, 3300)
		back := logic.RawToMV(raw, 12, 3300)
		if back > mv || mv-back > 1 {
			t.Errorf("%d mV -> raw %d -> %d mV", mv, raw, back)
		}
	}
}

func TestOpenSourceFakeSeedsRestLevel(t *testing.T) {
	cfg := fakeConfig()
	src, err := openSource(cfg)
	if err != nil {
		t.Fatalf("openSource: %v", err)
	}
	defer src.Close()

	raw, err := src.ReadChannel(1)
	if err != nil {
		t.Fatal(err)
	}
	if mv := logic.RawToMV(raw, src.Resolution(), cfg.ADC.VrefMV); mv <= 0 || mv > fakeRestMV {
		t.Errorf("fake rest level: %d mV", mv)
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	gf := &globalFlags{}
	root := newRootCmd(gf)
	if err := root.ParseFlags([]string{"--policy", "last", "--adc", "fake", "--http", ""}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := loadConfig(root, gf)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.SOCD.Policy != "last" || cfg.ADC.Driver != config.DriverFake || cfg.HTTP.Addr != "" {
		t.Errorf("overrides not applied: policy=%q driver=%q http=%q", cfg.SOCD.Policy, cfg.ADC.Driver, cfg.HTTP.Addr)
	}
	if cfg.MQTT.ClientID != "hall-sensor" {
		t.Error("unchanged flags must not clear file values")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	gf := &globalFlags{}
	root := newRootCmd(gf)
	if err := root.ParseFlags([]string{"--policy", "random"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	_, err := loadConfig(root, gf)
	if !errors.Is(err, logic.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
