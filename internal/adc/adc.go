// Package adc provides raw sample sources for the Hall-effect sensors and
// binds sensor ids to ADC channels.
package adc

import (
	"errors"
	"fmt"
	"sync"
)

// Source reads raw conversions from numbered ADC channels.
type Source interface {
	// ReadChannel performs one conversion. Bipolar sources may return
	// negative counts.
	ReadChannel(channel int) (int32, error)
	// Resolution returns the converter resolution in bits.
	Resolution() int
	Close() error
}

var errUnboundSensor = errors.New("sensor not bound to a channel")

// Binding maps sensor ids onto channels of a shared Source. Reads are
// serialized because every sensor goroutine shares one converter.
type Binding struct {
	mu       sync.Mutex
	src      Source
	channels map[int]int
}

// NewBinding creates a binding. channels maps sensor id to ADC channel.
func NewBinding(src Source, channels map[int]int) (*Binding, error) {
	if src == nil {
		return nil, errors.New("nil adc source")
	}
	seen := make(map[int]int, len(channels))
	for id, ch := range channels {
		if ch < 0 {
			return nil, fmt.Errorf("sensor %d: negative channel %d", id, ch)
		}
		if other, ok := seen[ch]; ok {
			return nil, fmt.Errorf("sensors %d and %d share channel %d", other, id, ch)
		}
		seen[ch] = id
	}
	m := make(map[int]int, len(channels))
	for id, ch := range channels {
		m[id] = ch
	}
	return &Binding{src: src, channels: m}, nil
}

// ReadRaw reads the channel bound to sensorID.
func (b *Binding) ReadRaw(sensorID int) (int32, error) {
	ch, ok := b.channels[sensorID]
	if !ok {
		return 0, fmt.Errorf("sensor %d: %w", sensorID, errUnboundSensor)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	raw, err := b.src.ReadChannel(ch)
	if err != nil {
		return 0, fmt.Errorf("read channel %d: %w", ch, err)
	}
	return raw, nil
}

// Channel returns the channel bound to sensorID.
func (b *Binding) Channel(sensorID int) (int, bool) {
	ch, ok := b.channels[sensorID]
	return ch, ok
}

// Resolution returns the resolution of the underlying source.
func (b *Binding) Resolution() int {
	return b.src.Resolution()
}

// Close closes the underlying source.
func (b *Binding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.src.Close()
}
