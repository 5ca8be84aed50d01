//go:build linux

package uinput

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath is the uinput control node.
const DevicePath = "/dev/uinput"

// TimevalSize is the size of struct timeval on this platform.
const TimevalSize = int(unsafe.Sizeof(unix.Timeval{}))

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	iocNone  = 0
	iocWrite = 1
)

func ioc(dir, typ, nr, size uint32) uintptr {
	return uintptr(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift)
}

type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// uinputSetup mirrors struct uinput_setup.
type uinputSetup struct {
	ID           inputID
	Name         [80]byte
	FFEffectsMax uint32
}

const busVirtual = 0x06

var (
	uiDevCreate  = ioc(iocNone, 'U', 1, 0)
	uiDevDestroy = ioc(iocNone, 'U', 2, 0)
	uiDevSetup   = ioc(iocWrite, 'U', 3, uint32(unsafe.Sizeof(uinputSetup{})))
	uiSetEvBit   = ioc(iocWrite, 'U', 100, 4)
	uiSetKeyBit  = ioc(iocWrite, 'U', 101, 4)
)

// Device is a created uinput keyboard.
type Device struct {
	f *os.File
}

type ioctlStep struct {
	op  string
	req uintptr
	arg uintptr
}

func ioctl(fd uintptr, req, arg uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg); errno != 0 {
		return errno
	}
	return nil
}

// Open creates a virtual keyboard named name that can emit codes.
func Open(name string, codes []uint16) (*Device, error) {
	f, err := os.OpenFile(DevicePath, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DevicePath, err)
	}
	fd := f.Fd()

	setup := uinputSetup{ID: inputID{Bustype: busVirtual, Vendor: 0x1209, Product: 0x4853, Version: 1}}
	copy(setup.Name[:len(setup.Name)-1], name)

	steps := []ioctlStep{
		{"set EV_KEY", uiSetEvBit, EvKey},
		{"set EV_SYN", uiSetEvBit, EvSyn},
	}
	for _, c := range codes {
		steps = append(steps, ioctlStep{fmt.Sprintf("set key %d", c), uiSetKeyBit, uintptr(c)})
	}
	for _, s := range steps {
		if err := ioctl(fd, s.req, s.arg); err != nil {
			f.Close()
			return nil, fmt.Errorf("uinput %s: %w", s.op, err)
		}
	}
	if err := ioctl(fd, uiDevSetup, uintptr(unsafe.Pointer(&setup))); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput setup: %w", err)
	}
	if err := ioctl(fd, uiDevCreate, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput create: %w", err)
	}
	return &Device{f: f}, nil
}

// Write writes encoded events to the device.
func (d *Device) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

// Close destroys the virtual device and closes the control node.
func (d *Device) Close() error {
	var errs []error
	if err := ioctl(d.f.Fd(), uiDevDestroy, 0); err != nil {
		errs = append(errs, fmt.Errorf("uinput destroy: %w", err))
	}
	if err := d.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
