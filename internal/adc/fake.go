package adc

import "sync"

// FakeSource is a Source for tests. Each channel returns its scripted values
// in order and then repeats the last one.
type FakeSource struct {
	mu sync.Mutex

	Values    map[int][]int32
	Bits      int
	ReadError error
	Closed    bool

	index map[int]int
	reads int
}

// NewFakeSource creates a 12-bit fake with the given per-channel values.
func NewFakeSource(values map[int][]int32) *FakeSource {
	if values == nil {
		values = make(map[int][]int32)
	}
	return &FakeSource{Values: values, Bits: 12, index: make(map[int]int)}
}

// Set replaces a channel's values with a single constant level.
func (f *FakeSource) Set(channel int, raw int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Values[channel] = []int32{raw}
	f.index[channel] = 0
}

// SetReadError makes every subsequent read fail with err, or succeed again
// when err is nil.
func (f *FakeSource) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReadError = err
}

// ReadChannel implements Source.
func (f *FakeSource) ReadChannel(channel int) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	vals := f.Values[channel]
	if len(vals) == 0 {
		return 0, nil
	}
	i := f.index[channel]
	if i < len(vals)-1 {
		f.index[channel] = i + 1
	}
	return vals[i], nil
}

// Resolution implements Source.
func (f *FakeSource) Resolution() int {
	return f.Bits
}

// Reads returns how many conversions were requested.
func (f *FakeSource) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Close implements Source.
func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
