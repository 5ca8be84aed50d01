// Package config loads the YAML configuration for the hall-sensor daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. The file is the primary configuration surface; command
// line flags apply small overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/hall-sensor/internal/logic"
	"github.com/sweeney/hall-sensor/internal/pipeline"
)

// ADC drivers.
const (
	DriverMCP3008 = "mcp3008"
	DriverSerial  = "serial"
	DriverFake    = "fake"
)

// Config is the top-level YAML configuration.
type Config struct {
	Sensors      []SensorConfig     `yaml:"sensors"`
	ADC          ADCConfig          `yaml:"adc"`
	Sampling     SamplingConfig     `yaml:"sampling"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	RapidTrigger RapidTriggerConfig `yaml:"rapid_trigger"`
	SOCD         SOCDConfig         `yaml:"socd"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	HTTP         HTTPConfig         `yaml:"http"`
	Uinput       UinputConfig       `yaml:"uinput"`
	Button       ButtonConfig       `yaml:"button"`
	Store        StoreConfig        `yaml:"store"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SensorConfig binds a sensor id to an ADC channel and, optionally, a key code.
type SensorConfig struct {
	ID      int    `yaml:"id"`
	Channel int    `yaml:"channel"`
	KeyCode int    `yaml:"key_code,omitempty"`
	Name    string `yaml:"name,omitempty"`
}

type ADCConfig struct {
	Driver         string `yaml:"driver"`
	SPIPort        string `yaml:"spi_port"`
	SPIHz          int    `yaml:"spi_hz"`
	SerialDevice   string `yaml:"serial_device"`
	SerialBaud     int    `yaml:"serial_baud"`
	ResolutionBits int    `yaml:"resolution_bits"` // ignored by mcp3008
	VrefMV         int    `yaml:"vref_mv"`
}

type SamplingConfig struct {
	Samples          int `yaml:"samples"`
	SampleIntervalMS int `yaml:"sample_interval_ms"`
	PeriodMS         int `yaml:"period_ms"`
	BackoffMS        int `yaml:"backoff_ms"`
	SettleMS         int `yaml:"settle_ms"`
}

type CalibrationConfig struct {
	OnBoot       bool `yaml:"on_boot"`
	OffsetMV     int  `yaml:"offset_mv"`
	HysteresisMV int  `yaml:"hysteresis_mv"`
}

type RapidTriggerConfig struct {
	Enabled  bool `yaml:"enabled"`
	WindowMS int  `yaml:"window_ms"` // 0 = 4 x sample_interval_ms
	PulseMS  int  `yaml:"pulse_ms"`
}

type SOCDConfig struct {
	Policy           string  `yaml:"policy"`
	ReportSuppressed bool    `yaml:"report_suppressed"`
	Pairs            [][]int `yaml:"pairs,omitempty"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	HeartbeatMS int    `yaml:"heartbeat_ms"` // 0 disables
	BufferSize  int    `yaml:"buffer_size,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // "" disables
}

type UinputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
}

type ButtonConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Chip       string `yaml:"chip"`
	Line       int    `yaml:"line"`
	DebounceMS int    `yaml:"debounce_ms"`
	PollMS     int    `yaml:"poll_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"` // "" disables
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with one sensor on channel 0.
func DefaultConfig() Config {
	return Config{
		Sensors: []SensorConfig{{ID: 0, Channel: 0}},
		ADC: ADCConfig{
			Driver:         DriverMCP3008,
			SPIHz:          1_000_000,
			SerialDevice:   "/dev/ttyACM0",
			SerialBaud:     115200,
			ResolutionBits: logic.DefaultResolution,
			VrefMV:         logic.DefaultVrefMV,
		},
		Sampling: SamplingConfig{
			Samples:          logic.DefaultSamples,
			SampleIntervalMS: int(logic.DefaultSampleInterval / time.Millisecond),
			PeriodMS:         int(pipeline.DefaultPeriod / time.Millisecond),
			BackoffMS:        int(pipeline.DefaultBackoff / time.Millisecond),
			SettleMS:         int(pipeline.DefaultSettle / time.Millisecond),
		},
		Calibration: CalibrationConfig{
			OnBoot:       true,
			OffsetMV:     logic.DefaultActuationOffsetMV,
			HysteresisMV: logic.DefaultHysteresisMV,
		},
		RapidTrigger: RapidTriggerConfig{
			Enabled: true,
			PulseMS: int(logic.DefaultPulsePeriod / time.Millisecond),
		},
		SOCD: SOCDConfig{
			Policy:           logic.PolicyNeutral.String(),
			ReportSuppressed: true,
		},
		MQTT: MQTTConfig{
			ClientID:    "hall-sensor",
			TopicPrefix: "keyboard/hall",
			HeartbeatMS: 15 * 60 * 1000,
			BufferSize:  256,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Uinput:  UinputConfig{Name: "hall-sensor"},
		Button:  ButtonConfig{Chip: "gpiochip0", Line: 17, DebounceMS: 50, PollMS: 10},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file on top of DefaultConfig.
// Unknown fields are rejected. The result is not validated.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes on top of DefaultConfig.
func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// only whitespace and comments may follow the document
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// Overrides carries flag values. A nil pointer leaves the file value alone.
type Overrides struct {
	Broker   *string
	HTTPAddr *string
	Driver   *string
	Policy   *string
	LogLevel *string
	Store    *string
}

// Apply merges the overrides into cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Broker != nil {
		cfg.MQTT.Broker = *o.Broker
	}
	if o.HTTPAddr != nil {
		cfg.HTTP.Addr = *o.HTTPAddr
	}
	if o.Driver != nil {
		cfg.ADC.Driver = *o.Driver
	}
	if o.Policy != nil {
		cfg.SOCD.Policy = *o.Policy
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.Store != nil {
		cfg.Store.Path = *o.Store
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), logic.ErrConfiguration)
}

// Validate checks config invariants. It is called after defaults, file and
// overrides are applied. Every error wraps logic.ErrConfiguration.
func (c *Config) Validate() error {
	// Sensors
	n := len(c.Sensors)
	if n == 0 {
		return invalid("sensors must not be empty")
	}
	if n > logic.MaxSensors {
		return invalid("at most %d sensors are supported, got %d", logic.MaxSensors, n)
	}
	ids := make(map[int]bool, n)
	channels := make(map[int]int, n)
	for i, s := range c.Sensors {
		if s.ID < 0 || s.ID >= n {
			return invalid("sensors[%d].id %d must be in 0..%d", i, s.ID, n-1)
		}
		if ids[s.ID] {
			return invalid("sensors[%d].id %d is duplicated", i, s.ID)
		}
		ids[s.ID] = true
		if s.Channel < 0 {
			return invalid("sensors[%d].channel must be >= 0", i)
		}
		if other, ok := channels[s.Channel]; ok {
			return invalid("sensors %d and %d share channel %d", other, s.ID, s.Channel)
		}
		channels[s.Channel] = s.ID
		if c.Uinput.Enabled && (s.KeyCode < 0 || s.KeyCode > 0x2ff) {
			return invalid("sensors[%d].key_code %d out of range", i, s.KeyCode)
		}
	}

	// ADC
	switch c.ADC.Driver {
	case DriverMCP3008:
		for _, s := range c.Sensors {
			if s.Channel >= 8 {
				return invalid("sensor %d: mcp3008 has channels 0..7, got %d", s.ID, s.Channel)
			}
		}
	case DriverSerial:
		if c.ADC.SerialDevice == "" {
			return invalid("adc.serial_device must not be empty")
		}
		if c.ADC.SerialBaud <= 0 {
			return invalid("adc.serial_baud must be > 0")
		}
	case DriverFake:
	default:
		return invalid("adc.driver must be %q, %q or %q, got %q", DriverMCP3008, DriverSerial, DriverFake, c.ADC.Driver)
	}
	if c.ADC.ResolutionBits < 1 || c.ADC.ResolutionBits > 24 {
		return invalid("adc.resolution_bits must be between 1 and 24")
	}
	if c.ADC.VrefMV <= 0 {
		return invalid("adc.vref_mv must be > 0")
	}

	// Sampling
	if c.Sampling.Samples < 1 {
		return invalid("sampling.samples must be >= 1")
	}
	if c.Sampling.SampleIntervalMS < 0 || c.Sampling.SettleMS < 0 {
		return invalid("sampling.sample_interval_ms and sampling.settle_ms must be >= 0")
	}
	if c.Sampling.PeriodMS <= 0 || c.Sampling.BackoffMS <= 0 {
		return invalid("sampling.period_ms and sampling.backoff_ms must be > 0")
	}

	// Calibration
	if c.Calibration.OffsetMV <= 0 {
		return invalid("calibration.offset_mv must be > 0")
	}
	if c.Calibration.HysteresisMV <= 0 {
		return invalid("calibration.hysteresis_mv must be > 0")
	}
	if c.Calibration.HysteresisMV >= c.Calibration.OffsetMV/2 {
		return invalid("calibration.hysteresis_mv must be < offset_mv/2 (%d)", c.Calibration.OffsetMV/2)
	}

	// Rapid trigger
	if c.RapidTrigger.WindowMS < 0 {
		return invalid("rapid_trigger.window_ms must be >= 0")
	}
	if c.RapidTrigger.PulseMS <= 0 {
		return invalid("rapid_trigger.pulse_ms must be > 0")
	}

	// SOCD
	if _, err := logic.ParsePolicy(c.SOCD.Policy); err != nil {
		return fmt.Errorf("socd.policy: %w", err)
	}
	paired := make(map[int]bool)
	for i, p := range c.SOCD.Pairs {
		if len(p) != 2 {
			return invalid("socd.pairs[%d] must have exactly two members", i)
		}
		for _, id := range p {
			if !ids[id] {
				return invalid("socd.pairs[%d]: unknown sensor %d", i, id)
			}
		}
		if p[0] == p[1] {
			return invalid("socd.pairs[%d]: sensor %d paired with itself", i, p[0])
		}
		for _, id := range p {
			if paired[id] {
				return invalid("socd.pairs[%d]: sensor %d is already paired", i, id)
			}
			paired[id] = true
		}
	}

	// MQTT
	if c.MQTT.HeartbeatMS < 0 {
		return invalid("mqtt.heartbeat_ms must be >= 0")
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		return invalid("mqtt.client_id must not be empty")
	}

	// Button
	if c.Button.Enabled {
		if c.Button.Chip == "" || c.Button.Line < 0 {
			return invalid("button.chip and button.line must be set when button.enabled is true")
		}
		if c.Button.PollMS <= 0 || c.Button.DebounceMS < 0 {
			return invalid("button.poll_ms must be > 0 and button.debounce_ms >= 0")
		}
	}

	// Logging
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}

	return nil
}

// SamplerConfig converts the ADC and sampling sections. The MCP3008 always
// converts at 10 bits.
func (c *Config) SamplerConfig() logic.SamplerConfig {
	bits := c.ADC.ResolutionBits
	if c.ADC.Driver == DriverMCP3008 {
		bits = 10
	}
	return logic.SamplerConfig{
		Samples:    c.Sampling.Samples,
		Interval:   ms(c.Sampling.SampleIntervalMS),
		Resolution: bits,
		VrefMV:     c.ADC.VrefMV,
	}
}

// PipelineConfig converts the file config into the runtime pipeline config.
// Call Validate first.
func (c *Config) PipelineConfig() pipeline.Config {
	policy, _ := logic.ParsePolicy(c.SOCD.Policy)
	pairs := make([]logic.Pair, 0, len(c.SOCD.Pairs))
	for _, p := range c.SOCD.Pairs {
		pairs = append(pairs, logic.Pair{p[0], p[1]})
	}

	window := ms(c.RapidTrigger.WindowMS)
	if window == 0 {
		window = logic.DefaultRapidWindow(ms(c.Sampling.SampleIntervalMS))
	}

	return pipeline.Config{
		SensorCount:     len(c.Sensors),
		Settle:          ms(c.Sampling.SettleMS),
		Period:          ms(c.Sampling.PeriodMS),
		Backoff:         ms(c.Sampling.BackoffMS),
		CalibrateOnBoot: c.Calibration.OnBoot,
		Calibration: logic.CalibrationParams{
			OffsetMV:     c.Calibration.OffsetMV,
			HysteresisMV: c.Calibration.HysteresisMV,
		},
		RapidEnabled: c.RapidTrigger.Enabled,
		Rapid: logic.RapidConfig{
			Window: window,
			Period: ms(c.RapidTrigger.PulseMS),
		},
		Policy:           policy,
		Pairs:            pairs,
		ReportSuppressed: c.SOCD.ReportSuppressed,
		QueueSize:        pipeline.DefaultQueueSize,
	}
}

// Channels maps sensor id to ADC channel.
func (c *Config) Channels() map[int]int {
	out := make(map[int]int, len(c.Sensors))
	for _, s := range c.Sensors {
		out[s.ID] = s.Channel
	}
	return out
}

// Names maps sensor id to its configured name, skipping unnamed sensors.
func (c *Config) Names() map[int]string {
	out := make(map[int]string, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.Name != "" {
			out[s.ID] = s.Name
		}
	}
	return out
}

// KeyCodes maps sensor id to its key code, skipping sensors without one.
func (c *Config) KeyCodes() map[int]uint16 {
	out := make(map[int]uint16, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.KeyCode > 0 {
			out[s.ID] = uint16(s.KeyCode)
		}
	}
	return out
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ParseLogLevel maps error|warn|info|debug to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return slog.LevelError, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
