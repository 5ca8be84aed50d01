package main

import (
	"fmt"
	"log/slog"

	"github.com/sweeney/hall-sensor/internal/adc"
	"github.com/sweeney/hall-sensor/internal/config"
	"github.com/sweeney/hall-sensor/internal/logic"
)

// fakeRestMV is the level the fake driver reports on every channel.
const fakeRestMV = 500

// openSource opens the configured converter.
func openSource(cfg config.Config) (adc.Source, error) {
	switch cfg.ADC.Driver {
	case config.DriverMCP3008:
		m, err := adc.OpenMCP3008(adc.MCP3008Config{Port: cfg.ADC.SPIPort, Hz: cfg.ADC.SPIHz})
		if err != nil {
			return nil, fmt.Errorf("init mcp3008: %w", err)
		}
		return m, nil
	case config.DriverSerial:
		s, err := adc.OpenSerial(adc.SerialConfig{
			Device: cfg.ADC.SerialDevice,
			Baud:   cfg.ADC.SerialBaud,
			Bits:   cfg.ADC.ResolutionBits,
		})
		if err != nil {
			return nil, fmt.Errorf("init serial adc: %w", err)
		}
		return s, nil
	case config.DriverFake:
		f := adc.NewFakeSource(nil)
		f.Bits = cfg.ADC.ResolutionBits
		for _, s := range cfg.Sensors {
			f.Set(s.Channel, mvToRaw(fakeRestMV, f.Bits, cfg.ADC.VrefMV))
		}
		return f, nil
	default:
		return nil, fmt.Errorf("adc driver %q: %w", cfg.ADC.Driver, logic.ErrConfiguration)
	}
}

// openSampler binds the configured sensors to the converter and wraps the
// binding in a sampler. Close the returned binding when done.
func openSampler(cfg config.Config, logger *slog.Logger) (*adc.Binding, *logic.Sampler, error) {
	src, err := openSource(cfg)
	if err != nil {
		return nil, nil, err
	}
	binding, err := adc.NewBinding(src, cfg.Channels())
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("bind sensors: %w", err)
	}

	sc := cfg.SamplerConfig()
	sc.Resolution = binding.Resolution()
	logger.Info("adc ready",
		"driver", cfg.ADC.Driver,
		"sensors", len(cfg.Sensors),
		"bits", sc.Resolution,
		"vref_mv", sc.VrefMV)
	return binding, logic.NewSampler(binding, sc), nil
}

// mvToRaw is the inverse of logic.RawToMV, rounded down.
func mvToRaw(mv, bits, vrefMV int) int32 {
	full := int64(1)<<bits - 1
	return int32(int64(mv) * full / int64(vrefMV))
}
