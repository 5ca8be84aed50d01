package adc

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// MCP3008 constants.
const (
	MCP3008Channels   = 8
	MCP3008Resolution = 10
	DefaultSPIHz      = 1_000_000
)

// MCP3008 reads single-ended conversions from a Microchip MCP3008 over SPI.
type MCP3008 struct {
	conn spi.Conn
	port spi.PortCloser
}

// MCP3008Config selects the SPI port and clock.
type MCP3008Config struct {
	// Port is a periph spireg name such as "/dev/spidev0.0"; empty picks
	// the first registered port.
	Port string
	Hz   int
}

// OpenMCP3008 initializes periph, opens the SPI port and connects in mode 0.
func OpenMCP3008(cfg MCP3008Config) (*MCP3008, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	p, err := spireg.Open(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", cfg.Port, err)
	}
	hz := cfg.Hz
	if hz <= 0 {
		hz = DefaultSPIHz
	}
	c, err := p.Connect(physic.Frequency(hz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect spi: %w", err)
	}
	return &MCP3008{conn: c, port: p}, nil
}

// NewMCP3008 wraps an existing SPI connection. The caller keeps ownership
// of the port.
func NewMCP3008(c spi.Conn) *MCP3008 {
	return &MCP3008{conn: c}
}

// ReadChannel implements Source.
func (m *MCP3008) ReadChannel(channel int) (int32, error) {
	if channel < 0 || channel >= MCP3008Channels {
		return 0, fmt.Errorf("mcp3008: channel %d out of range", channel)
	}
	// start bit, single-ended + channel in the high nibble, then clock out
	w := []byte{0x01, byte(0x08|channel) << 4, 0x00}
	r := make([]byte, len(w))
	if err := m.conn.Tx(w, r); err != nil {
		return 0, fmt.Errorf("mcp3008 tx: %w", err)
	}
	return int32(r[1]&0x03)<<8 | int32(r[2]), nil
}

// Resolution implements Source.
func (m *MCP3008) Resolution() int {
	return MCP3008Resolution
}

// Close releases the SPI port if this device opened it.
func (m *MCP3008) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	if err != nil {
		return fmt.Errorf("close spi port: %w", err)
	}
	return nil
}
