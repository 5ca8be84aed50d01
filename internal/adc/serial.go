package adc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Serial defaults.
const (
	DefaultSerialBaud    = 115200
	DefaultSerialTimeout = 100 * time.Millisecond

	// replies for other channels tolerated before a read gives up
	maxStaleReplies = 8
)

// SerialConfig configures a serial-attached converter.
type SerialConfig struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
	// Bits is the converter resolution reported by the remote side.
	Bits int
}

// SerialSource talks a line protocol to a microcontroller that owns the ADC.
// Each request is "READ <channel>\n". The reply echoes the channel followed
// by a signed decimal count ("<channel> <raw>"), or "ERR <channel> <message>".
// A reply that arrives after its request timed out carries the wrong channel
// and is discarded by the next read.
type SerialSource struct {
	port io.ReadWriteCloser
	rd   *bufio.Reader
	bits int
}

// OpenSerial opens the device with tarm/serial.
func OpenSerial(cfg SerialConfig) (*SerialSource, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial adc: no device configured")
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultSerialTimeout
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Device, err)
	}
	return NewSerialSource(port, cfg.Bits), nil
}

// NewSerialSource wraps an already open stream.
func NewSerialSource(port io.ReadWriteCloser, bits int) *SerialSource {
	if bits <= 0 {
		bits = 12
	}
	return &SerialSource{port: port, rd: bufio.NewReader(port), bits: bits}
}

// ReadChannel implements Source.
func (s *SerialSource) ReadChannel(channel int) (int32, error) {
	if _, err := fmt.Fprintf(s.port, "READ %d\n", channel); err != nil {
		return 0, fmt.Errorf("serial write: %w", err)
	}
	for stale := 0; ; stale++ {
		line, err := s.rd.ReadString('\n')
		if err != nil {
			// drop any partial line so the next request starts clean
			s.rd.Reset(s.port)
			return 0, fmt.Errorf("serial read: %w", err)
		}
		r, err := parseReply(line)
		if err != nil {
			return 0, err
		}
		if r.channel != channel {
			if stale >= maxStaleReplies {
				return 0, fmt.Errorf("serial read: no reply for channel %d after %d stale replies", channel, stale+1)
			}
			continue
		}
		if r.remoteErr != "" {
			return 0, fmt.Errorf("remote adc error on channel %d: %s", channel, r.remoteErr)
		}
		return r.raw, nil
	}
}

type reply struct {
	channel   int
	raw       int32
	remoteErr string
}

func parseReply(line string) (reply, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	isErr := len(fields) > 0 && fields[0] == "ERR"
	if isErr {
		fields = fields[1:]
	}
	if len(fields) < 2 || (!isErr && len(fields) != 2) {
		return reply{}, fmt.Errorf("malformed reply %q", line)
	}
	ch, err := strconv.Atoi(fields[0])
	if err != nil {
		return reply{}, fmt.Errorf("parse reply %q: %w", line, err)
	}
	if isErr {
		return reply{channel: ch, remoteErr: strings.Join(fields[1:], " ")}, nil
	}
	v, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return reply{}, fmt.Errorf("parse reply %q: %w", line, err)
	}
	return reply{channel: ch, raw: int32(v)}, nil
}

// Resolution implements Source.
func (s *SerialSource) Resolution() int {
	return s.bits
}

// Close closes the port.
func (s *SerialSource) Close() error {
	return s.port.Close()
}
