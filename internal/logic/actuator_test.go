package logic

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeriveCalibration(t *testing.T) {
	c := DeriveCalibration(500, DefaultCalibrationParams())
	if c.BaselineMV != 500 {
		t.Errorf("baseline: got %d, want 500", c.BaselineMV)
	}
	if c.ThresholdMV != 900 {
		t.Errorf("threshold: got %d, want 900", c.ThresholdMV)
	}
	if c.HysteresisMV != 50 {
		t.Errorf("hysteresis: got %d, want 50", c.HysteresisMV)
	}
	if c.ReleaseMV() != 850 {
		t.Errorf("release: got %d, want 850", c.ReleaseMV())
	}
}

func TestCalibrationMonotonic(t *testing.T) {
	for _, baseline := range []int{1, 50, 500, 1650, 3000} {
		c := DeriveCalibration(baseline, DefaultCalibrationParams())
		if c.ThresholdMV <= c.BaselineMV {
			t.Errorf("baseline %d: threshold %d not above baseline", baseline, c.ThresholdMV)
		}
		if c.ReleaseMV() >= c.ThresholdMV {
			t.Errorf("baseline %d: release %d not below threshold %d", baseline, c.ReleaseMV(), c.ThresholdMV)
		}
	}
}

func TestCalibrateFromSampler(t *testing.T) {
	r := newScriptedReader(map[int][]int32{0: {500}})
	s := NewSampler(r, identityConfig(8))
	s.sleep = noSleep(new([]time.Duration))

	c, err := Calibrate(context.Background(), s, 0, DefaultCalibrationParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BaselineMV != 500 || c.ThresholdMV != 900 || c.HysteresisMV != 50 {
		t.Errorf("unexpected calibration: %+v", c)
	}
	if !c.Calibrated() {
		t.Error("expected Calibrated() after success")
	}
}

func TestCalibrateSamplerFailure(t *testing.T) {
	r := newScriptedReader(map[int][]int32{1: {500}})
	r.err = errors.New("timeout")
	s := NewSampler(r, identityConfig(8))
	s.sleep = noSleep(new([]time.Duration))

	c, err := Calibrate(context.Background(), s, 1, DefaultCalibrationParams())
	if !errors.Is(err, ErrCalibration) {
		t.Fatalf("expected ErrCalibration, got %v", err)
	}
	if !errors.Is(err, ErrAcquisition) {
		t.Errorf("expected wrapped ErrAcquisition, got %v", err)
	}
	var ce *CalibrationError
	if !errors.As(err, &ce) || ce.SensorID != 1 {
		t.Errorf("expected *CalibrationError for sensor 1, got %v", err)
	}
	if c != (Calibration{}) {
		t.Errorf("expected zero calibration on failure, got %+v", c)
	}
	if c.Calibrated() {
		t.Error("zero calibration should not report Calibrated()")
	}
}

func TestCalibrateZeroBaseline(t *testing.T) {
	r := newScriptedReader(map[int][]int32{0: {0}})
	s := NewSampler(r, identityConfig(8))
	s.sleep = noSleep(new([]time.Duration))

	if _, err := Calibrate(context.Background(), s, 0, DefaultCalibrationParams()); !errors.Is(err, ErrCalibration) {
		t.Errorf("expected ErrCalibration for zero baseline, got %v", err)
	}
}

func calibratedSensor(baseline int) *Sensor {
	s := NewSensor(0)
	s.SetCalibration(DeriveCalibration(baseline, DefaultCalibrationParams()))
	return s
}

func TestSensorInitialState(t *testing.T) {
	s := NewSensor(7)
	if s.ID() != 7 {
		t.Errorf("ID: got %d, want 7", s.ID())
	}
	if s.State() != StateReleased {
		t.Errorf("expected RELEASED initially, got %s", s.State())
	}
}

func TestSensorEndToEndSequence(t *testing.T) {
	type step struct {
		mv     int
		wantTo State // "" = no transition
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "dead band reading holds press",
			steps: []step{
				{400, ""}, {600, ""}, {950, StatePressed}, {960, ""}, {860, ""}, {400, StateReleased},
			},
		},
		{
			// 840 is at or below the 850 release level
			name: "release level reached early",
			steps: []step{
				{400, ""}, {600, ""}, {950, StatePressed}, {960, ""}, {840, StateReleased}, {400, ""},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := calibratedSensor(500) // threshold 900, release 850
			for i, st := range tt.steps {
				tr, ok := s.Process(st.mv)
				if ok != (st.wantTo != "") {
					t.Fatalf("sample %d (%d mV): transition=%v, want %q", i, st.mv, ok, st.wantTo)
				}
				if ok && tr.To != st.wantTo {
					t.Errorf("sample %d: to %s, want %s", i, tr.To, st.wantTo)
				}
				if ok && tr.MV != st.mv {
					t.Errorf("sample %d: mv %d, want %d", i, tr.MV, st.mv)
				}
			}
		})
	}
}

func TestSensorDeadBandNoChatter(t *testing.T) {
	s := calibratedSensor(500) // threshold 900, release 850

	if _, ok := s.Process(900); !ok {
		t.Fatal("expected press exactly at threshold")
	}
	for _, mv := range []int{899, 851, 870, 899, 851, 860, 900, 1000} {
		if tr, ok := s.Process(mv); ok {
			t.Fatalf("unexpected transition at %d mV: %+v", mv, tr)
		}
	}
	tr, ok := s.Process(850)
	if !ok || tr.To != StateReleased {
		t.Fatalf("expected release exactly at 850 mV, got %+v %v", tr, ok)
	}
	for _, mv := range []int{851, 899, 860} {
		if tr, ok := s.Process(mv); ok {
			t.Fatalf("unexpected transition at %d mV while released: %+v", mv, tr)
		}
	}
}

func TestSensorIdempotentAfterTransition(t *testing.T) {
	s := calibratedSensor(500)
	if _, ok := s.Process(950); !ok {
		t.Fatal("expected press")
	}
	for i := 0; i < 5; i++ {
		if _, ok := s.Process(950); ok {
			t.Fatalf("repeat %d re-emitted a transition", i)
		}
	}
	if _, ok := s.Process(100); !ok {
		t.Fatal("expected release")
	}
	for i := 0; i < 5; i++ {
		if _, ok := s.Process(100); ok {
			t.Fatalf("repeat %d re-emitted a transition", i)
		}
	}
}

func TestSensorUncalibratedReadsPressed(t *testing.T) {
	s := NewSensor(0)
	if _, ok := s.Process(0); !ok {
		t.Error("uncalibrated sensor (threshold 0) should read as pressed")
	}
}

func TestSensorRecalibrationKeepsState(t *testing.T) {
	s := calibratedSensor(500)
	s.Process(950)
	s.SetCalibration(DeriveCalibration(600, DefaultCalibrationParams())) // threshold 1000, release 950

	if s.State() != StatePressed {
		t.Fatalf("expected PRESSED kept across recalibration, got %s", s.State())
	}
	if _, ok := s.Process(960); ok {
		t.Error("960 mV is above the new 950 mV release level")
	}
	if _, ok := s.Process(950); !ok {
		t.Error("expected release at the new release level")
	}
	if s.LastMV() != 950 {
		t.Errorf("LastMV: got %d, want 950", s.LastMV())
	}
}

func TestTransitionEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr := Transition{SensorID: 4, From: StateReleased, To: StatePressed, MV: 950}
	ev := tr.Event(now)
	if ev.SensorID != 4 || !ev.Pressed || ev.Synthetic || !ev.Time.Equal(now) {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestCalibrationParamsValidate(t *testing.T) {
	tests := []struct {
		params  CalibrationParams
		wantErr bool
	}{
		{DefaultCalibrationParams(), false},
		{CalibrationParams{OffsetMV: 100, HysteresisMV: 49}, false},
		{CalibrationParams{OffsetMV: 100, HysteresisMV: 50}, true},
		{CalibrationParams{OffsetMV: 800, HysteresisMV: 0}, true},
		{CalibrationParams{OffsetMV: 0, HysteresisMV: 10}, true},
	}
	for _, tt := range tests {
		err := tt.params.Validate()
		if tt.wantErr && !errors.Is(err, ErrConfiguration) {
			t.Errorf("%+v: expected ErrConfiguration, got %v", tt.params, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%+v: unexpected error %v", tt.params, err)
		}
	}
}
