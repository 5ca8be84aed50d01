package logic

import (
	"context"
	"errors"
	"fmt"
)

// Calibration defaults.
const (
	DefaultActuationOffsetMV = 800
	DefaultHysteresisMV      = 50
)

var errNonPositiveBaseline = errors.New("non-positive baseline")

// CalibrationParams configures threshold derivation.
type CalibrationParams struct {
	// OffsetMV is the assumed rise from rest to full actuation.
	OffsetMV int
	// HysteresisMV is subtracted from the threshold to get the release level.
	HysteresisMV int
}

// DefaultCalibrationParams returns the firmware defaults (800 mV, 50 mV).
func DefaultCalibrationParams() CalibrationParams {
	return CalibrationParams{
		OffsetMV:     DefaultActuationOffsetMV,
		HysteresisMV: DefaultHysteresisMV,
	}
}

// Validate checks that the offset is positive and that the hysteresis band
// fits inside half of it.
func (p CalibrationParams) Validate() error {
	if p.OffsetMV <= 0 {
		return fmt.Errorf("%w: actuation offset must be positive, got %d mV", ErrConfiguration, p.OffsetMV)
	}
	if p.HysteresisMV <= 0 || p.HysteresisMV >= p.OffsetMV/2 {
		return fmt.Errorf("%w: hysteresis must be in (0, %d) mV, got %d mV", ErrConfiguration, p.OffsetMV/2, p.HysteresisMV)
	}
	return nil
}

// Calibration is the per-sensor result of a calibration batch.
type Calibration struct {
	BaselineMV   int
	ThresholdMV  int
	HysteresisMV int
}

// ReleaseMV is the level at or below which a pressed sensor releases.
func (c Calibration) ReleaseMV() int {
	return c.ThresholdMV - c.HysteresisMV
}

// Calibrated reports whether a threshold has been established.
func (c Calibration) Calibrated() bool {
	return c.ThresholdMV > 0
}

// DeriveCalibration computes threshold and hysteresis from a baseline.
// The threshold sits midway between rest and the assumed full actuation.
func DeriveCalibration(baselineMV int, params CalibrationParams) Calibration {
	active := baselineMV + params.OffsetMV
	return Calibration{
		BaselineMV:   baselineMV,
		ThresholdMV:  baselineMV + (active-baselineMV)/2,
		HysteresisMV: params.HysteresisMV,
	}
}

// Calibrate takes one averaged sample as the baseline and derives the
// threshold from it. A sampling failure or a non-positive baseline returns
// a *CalibrationError and a zero Calibration.
func Calibrate(ctx context.Context, sampler *Sampler, sensorID int, params CalibrationParams) (Calibration, error) {
	avg, err := sampler.Sample(ctx, sensorID)
	if err != nil {
		return Calibration{}, &CalibrationError{SensorID: sensorID, Err: err}
	}
	if avg <= 0 {
		return Calibration{}, &CalibrationError{
			SensorID: sensorID,
			Err:      fmt.Errorf("%w: %d mV", errNonPositiveBaseline, avg),
		}
	}
	return DeriveCalibration(avg, params), nil
}
