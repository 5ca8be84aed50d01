//go:build !linux

package uinput

import "errors"

// DevicePath is the uinput control node.
const DevicePath = "/dev/uinput"

// TimevalSize is the size of struct timeval assumed off Linux.
const TimevalSize = 16

// Device is unavailable on this platform.
type Device struct{}

// Open always fails off Linux.
func Open(name string, codes []uint16) (*Device, error) {
	return nil, errors.New("uinput is only supported on Linux")
}

// Write is never reached.
func (d *Device) Write(p []byte) (int, error) {
	return 0, errors.New("uinput is only supported on Linux")
}

// Close is a no-op.
func (d *Device) Close() error {
	return nil
}
