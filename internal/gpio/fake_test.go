package gpio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(true, false, true)

	want := []bool{true, false, true, true}
	for i, w := range want {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("read %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestFakeReaderNoSamples(t *testing.T) {
	f := NewFakeReader()

	if _, err := f.Read(); err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(true)
	f.ReadError = errors.New("simulated error")

	_, err := f.Read()
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeReaderClose(t *testing.T) {
	f := NewFakeReader(true)

	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestFakeReaderReset(t *testing.T) {
	f := NewFakeReader(true, false)

	f.Read()
	f.Reset()

	if got, _ := f.Read(); got != true {
		t.Errorf("after reset: expected true, got %v", got)
	}
}

func newTestButton(r Reader, clock *time.Time) *Button {
	b := NewButton(r, 50*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return *clock }
	return b
}

func TestButtonReportsDebouncedPress(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFakeReader(false)
	b := newTestButton(f, &clock)

	// establish released baseline
	b.Poll()
	clock = clock.Add(50 * time.Millisecond)
	if b.Poll() {
		t.Fatal("baseline must not report a press")
	}

	f.Set(true)
	clock = clock.Add(10 * time.Millisecond)
	if b.Poll() {
		t.Error("press reported before debounce elapsed")
	}
	clock = clock.Add(50 * time.Millisecond)
	if !b.Poll() {
		t.Error("expected press after debounce")
	}
	clock = clock.Add(50 * time.Millisecond)
	if b.Poll() {
		t.Error("held button must report only once")
	}

	f.Set(false)
	b.Poll()
	clock = clock.Add(50 * time.Millisecond)
	if b.Poll() {
		t.Error("release must not report a press")
	}
}

func TestButtonIgnoresBounce(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFakeReader(false)
	b := newTestButton(f, &clock)
	b.Poll()
	clock = clock.Add(50 * time.Millisecond)
	b.Poll()

	f.Set(true)
	b.Poll()
	clock = clock.Add(20 * time.Millisecond)
	f.Set(false)
	b.Poll()
	clock = clock.Add(100 * time.Millisecond)
	if b.Poll() {
		t.Error("bounce shorter than debounce must not report a press")
	}
}

func TestButtonReadErrorIsNoPress(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := NewFakeReader(true)
	f.ReadError = errors.New("line gone")
	b := newTestButton(f, &clock)
	if b.Poll() {
		t.Error("read error must not report a press")
	}
}

func TestButtonRun(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// zero debounce still needs two equal samples per edge
	f := NewFakeReader(true, true, false, false, true, true)
	b := NewButton(f, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return clock }

	tick := make(chan time.Time)
	presses := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, tick, func() { presses <- struct{}{} })
		close(done)
	}()

	for i := 0; i < 6; i++ {
		tick <- clock
	}

	select {
	case <-presses:
	case <-time.After(time.Second):
		t.Fatal("expected a press from Run")
	}
	cancel()
	<-done

	if len(presses) != 0 {
		t.Errorf("expected exactly one press, got %d more", len(presses))
	}
}
