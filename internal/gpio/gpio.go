// Package gpio reads the recalibration push button from a GPIO line.
// The real implementation uses the Linux GPIO character device; the fake
// lets the button be scripted in tests.
package gpio

// Reader reads the button line.
type Reader interface {
	// Read returns true while the button is held. The line is active low
	// with a pull-up, so a raw 0 reads as pressed.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Button defaults.
const (
	DefaultChip = "gpiochip0"
	DefaultLine = 17 // BCM numbering
)
