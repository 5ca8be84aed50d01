package mqtt

import (
	"log/slog"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Sink publishes resolver output. Publish errors are logged and dropped.
type Sink struct {
	pub    Publisher
	logger *slog.Logger
}

// NewSink wraps pub.
func NewSink(pub Publisher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{pub: pub, logger: logger}
}

// KeyPosition publishes ev.
func (s *Sink) KeyPosition(ev logic.KeyEvent) {
	if err := s.pub.Publish(ev); err != nil {
		s.logger.Warn("mqtt publish failed", "sensor", ev.SensorID, "error", err)
	}
}
