package logic

import (
	"context"
	"errors"
	"time"
)

// Sampler defaults.
const (
	DefaultSamples        = 8
	DefaultSampleInterval = 4 * time.Millisecond
	DefaultResolution     = 12
	DefaultVrefMV         = 3300
)

// RawReader yields one raw conversion result for a sensor in the peripheral's
// native resolution.
type RawReader interface {
	ReadRaw(sensorID int) (int32, error)
}

// SamplerConfig configures averaging and raw-to-millivolt conversion.
type SamplerConfig struct {
	Samples    int
	Interval   time.Duration
	Resolution int // bits
	VrefMV     int
}

// DefaultSamplerConfig returns the firmware defaults (8 samples, 4 ms apart,
// 12-bit, 3.3 V reference).
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Samples:    DefaultSamples,
		Interval:   DefaultSampleInterval,
		Resolution: DefaultResolution,
		VrefMV:     DefaultVrefMV,
	}
}

// Sampler turns a batch of raw readings into one averaged voltage.
type Sampler struct {
	reader RawReader
	cfg    SamplerConfig
	sleep  func(context.Context, time.Duration) error
}

// NewSampler creates a Sampler. Zero fields in cfg take their defaults.
func NewSampler(reader RawReader, cfg SamplerConfig) *Sampler {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.VrefMV <= 0 {
		cfg.VrefMV = DefaultVrefMV
	}
	return &Sampler{reader: reader, cfg: cfg, sleep: sleepContext}
}

// Config returns the effective configuration.
func (s *Sampler) Config() SamplerConfig {
	return s.cfg
}

// Sample acquires Samples readings with Interval between them and returns
// the truncated mean in millivolts. Any failed read aborts the batch.
func (s *Sampler) Sample(ctx context.Context, sensorID int) (int, error) {
	if s.reader == nil {
		return 0, &AcquisitionError{SensorID: sensorID, Err: errNoReader}
	}
	sum := 0
	for i := 0; i < s.cfg.Samples; i++ {
		raw, err := s.reader.ReadRaw(sensorID)
		if err != nil {
			return 0, &AcquisitionError{SensorID: sensorID, Sample: i, Err: err}
		}
		sum += RawToMV(raw, s.cfg.Resolution, s.cfg.VrefMV)

		if s.cfg.Interval > 0 {
			if err := s.sleep(ctx, s.cfg.Interval); err != nil {
				return 0, &AcquisitionError{SensorID: sensorID, Sample: i, Err: err}
			}
		}
	}
	return sum / s.cfg.Samples, nil
}

// RawToMV converts a raw conversion to millivolts. Negative results from a
// differential channel are shifted by half the range first.
func RawToMV(raw int32, resolution, vrefMV int) int {
	unsigned := int64(raw)
	if raw < 0 {
		unsigned = int64(raw) + int64(1)<<(resolution-1)
	}
	full := int64(1)<<resolution - 1
	return int(unsigned * int64(vrefMV) / full)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errNoReader is returned when a Sampler is used without a source.
var errNoReader = errors.New("no raw reader configured")
