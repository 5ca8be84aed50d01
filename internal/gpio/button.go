package gpio

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Button polls a Reader and reports debounced presses.
type Button struct {
	reader   Reader
	debounce *logic.Debouncer
	logger   *slog.Logger
	now      func() time.Time
}

// NewButton creates a button over r with the given debounce duration.
func NewButton(r Reader, debounce time.Duration, logger *slog.Logger) *Button {
	if logger == nil {
		logger = slog.Default()
	}
	return &Button{
		reader:   r,
		debounce: logic.NewDebouncer(debounce),
		logger:   logger,
		now:      time.Now,
	}
}

// Poll reads the line once and returns true on a debounced press edge.
// Read errors are logged and treated as no change.
func (b *Button) Poll() bool {
	pressed, err := b.reader.Read()
	if err != nil {
		b.logger.Warn("button read failed", "error", err)
		return false
	}
	state, changed := b.debounce.Process(pressed, b.now())
	return changed && state == logic.StatePressed
}

// Run polls on every tick until ctx is done, calling onPress for each press.
func (b *Button) Run(ctx context.Context, tick <-chan time.Time, onPress func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if b.Poll() {
				onPress()
			}
		}
	}
}
