package logic

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is to classify; the typed wrappers below carry detail.
var (
	ErrAcquisition   = errors.New("acquisition failed")
	ErrCalibration   = errors.New("calibration failed")
	ErrConfiguration = errors.New("invalid configuration")
	ErrOutOfRange    = errors.New("sensor id out of range")
)

// AcquisitionError reports a failed raw read inside an averaging batch.
type AcquisitionError struct {
	SensorID int
	Sample   int // index within the batch
	Err      error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("sensor %d: read %d: %v", e.SensorID, e.Sample, e.Err)
}

func (e *AcquisitionError) Unwrap() []error {
	return []error{ErrAcquisition, e.Err}
}

// CalibrationError reports a failed calibration batch.
type CalibrationError struct {
	SensorID int
	Err      error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibrate sensor %d: %v", e.SensorID, e.Err)
}

func (e *CalibrationError) Unwrap() []error {
	return []error{ErrCalibration, e.Err}
}
