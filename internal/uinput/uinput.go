// Package uinput exposes resolved key positions as a Linux virtual keyboard.
package uinput

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Linux input event constants.
const (
	EvSyn     = 0x00
	EvKey     = 0x01
	SynReport = 0

	// KeyMax is the highest key code the kernel accepts.
	KeyMax = 0x2ff
)

// DefaultName is the device name shown by the kernel.
const DefaultName = "hall-sensor"

// EncodeEvent appends one input_event to buf. tvSize is the size of the
// kernel's struct timeval: 16 on 64-bit, 8 on 32-bit. The timestamp is left
// zero; the kernel stamps injected events itself.
func EncodeEvent(buf []byte, tvSize int, typ, code uint16, value int32) []byte {
	start := len(buf)
	buf = append(buf, make([]byte, tvSize+8)...)
	ev := buf[start:]
	binary.LittleEndian.PutUint16(ev[tvSize:], typ)
	binary.LittleEndian.PutUint16(ev[tvSize+2:], code)
	binary.LittleEndian.PutUint32(ev[tvSize+4:], uint32(value))
	return buf
}

// KeyFrame encodes a key press or release followed by a SYN_REPORT.
func KeyFrame(tvSize int, code uint16, pressed bool) []byte {
	var v int32
	if pressed {
		v = 1
	}
	buf := make([]byte, 0, 2*(tvSize+8))
	buf = EncodeEvent(buf, tvSize, EvKey, code, v)
	return EncodeEvent(buf, tvSize, EvSyn, SynReport, 0)
}

// Keyboard writes key frames for mapped sensors. It implements the
// pipeline's sink interface.
type Keyboard struct {
	mu     sync.Mutex
	w      io.WriteCloser
	tvSize int
	keys   map[int]uint16
	logger *slog.Logger
}

// NewKeyboard maps sensor ids to key codes and writes to w, which is normally
// a device returned by Open.
func NewKeyboard(w io.WriteCloser, tvSize int, keys map[int]uint16, logger *slog.Logger) (*Keyboard, error) {
	if w == nil {
		return nil, fmt.Errorf("uinput: nil writer: %w", logic.ErrConfiguration)
	}
	for id, code := range keys {
		if code == 0 || code > KeyMax {
			return nil, fmt.Errorf("uinput: sensor %d key code %d outside 1..%d: %w", id, code, KeyMax, logic.ErrConfiguration)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keyboard{w: w, tvSize: tvSize, keys: make(map[int]uint16, len(keys)), logger: logger}
	for id, code := range keys {
		k.keys[id] = code
	}
	return k, nil
}

// KeyPosition emits the key for ev.SensorID. Unmapped sensors are ignored.
func (k *Keyboard) KeyPosition(ev logic.KeyEvent) {
	code, ok := k.keys[ev.SensorID]
	if !ok {
		return
	}
	k.mu.Lock()
	_, err := k.w.Write(KeyFrame(k.tvSize, code, ev.Pressed))
	k.mu.Unlock()
	if err != nil {
		k.logger.Warn("uinput write failed", "sensor", ev.SensorID, "code", code, "error", err)
	}
}

// Codes returns the mapped key codes.
func (k *Keyboard) Codes() []uint16 {
	out := make([]uint16, 0, len(k.keys))
	for _, c := range k.keys {
		out = append(out, c)
	}
	return out
}

// Close releases the underlying device.
func (k *Keyboard) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.w.Close()
}
