package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/hall-sensor/internal/logic"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Memory)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func cal(baseline int) logic.Calibration {
	return logic.DeriveCalibration(baseline, logic.DefaultCalibrationParams())
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		sensor   int
		baseline int
		at       time.Time
	}{
		{0, 500, t0},
		{1, 610, t0.Add(time.Second)},
		{0, 520, t0.Add(time.Minute)},
	}
	for _, s2 := range seed {
		if _, err := s.RecordCalibration(ctx, s2.sensor, cal(s2.baseline), "boot", s2.at); err != nil {
			t.Fatalf("RecordCalibration: %v", err)
		}
	}

	all, err := s.ListCalibrations(ctx, -1, 0)
	if err != nil {
		t.Fatalf("ListCalibrations: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].Calibration.BaselineMV != 520 || !all[0].RecordedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("newest first: got %+v", all[0])
	}

	s0, err := s.ListCalibrations(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListCalibrations(0): %v", err)
	}
	if len(s0) != 2 {
		t.Errorf("sensor 0: expected 2 records, got %d", len(s0))
	}

	limited, _ := s.ListCalibrations(ctx, -1, 1)
	if len(limited) != 1 {
		t.Errorf("limit 1: got %d", len(limited))
	}
}

func TestRecordPreservesCalibration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := logic.DeriveCalibration(600, logic.CalibrationParams{OffsetMV: 600, HysteresisMV: 40})

	id, err := s.RecordCalibration(ctx, 3, c, "cli", time.Unix(1700000000, 123).UTC())
	if err != nil {
		t.Fatalf("RecordCalibration: %v", err)
	}
	if id <= 0 {
		t.Errorf("expected positive id, got %d", id)
	}

	rec, ok, err := s.Latest(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("Latest: %v %v", ok, err)
	}
	if rec.Calibration != c {
		t.Errorf("calibration: got %+v, want %+v", rec.Calibration, c)
	}
	if rec.Source != "cli" || rec.SensorID != 3 {
		t.Errorf("record: %+v", rec)
	}
	if rec.RecordedAt.UnixNano() != time.Unix(1700000000, 123).UnixNano() {
		t.Errorf("timestamp lost precision: %v", rec.RecordedAt)
	}
}

func TestLatestEmpty(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Latest(context.Background(), 0)
	if err != nil || ok {
		t.Errorf("expected no record, got ok=%v err=%v", ok, err)
	}
}

func TestOpenFileCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hall.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if _, err := s.RecordCalibration(ctx, 0, cal(500), "boot", time.Now()); err != nil {
		t.Fatalf("RecordCalibration: %v", err)
	}
	s.Close()

	// reopen; the schema is applied idempotently and data persists
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	recs, err := s.ListCalibrations(ctx, -1, 0)
	if err != nil || len(recs) != 1 {
		t.Errorf("after reopen: %d records, err %v", len(recs), err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); !errors.Is(err, logic.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}
