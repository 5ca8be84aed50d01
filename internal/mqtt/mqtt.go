// Package mqtt publishes key positions and lifecycle events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/hall-sensor/internal/logic"
)

// Topic suffixes under <prefix>/<client_id>.
const (
	keysSuffix   = "keys"
	systemSuffix = "system"
)

// Topics holds the resolved topic names.
type Topics struct {
	Keys   string
	System string
}

// NewTopics builds the topic names for a prefix and client id.
func NewTopics(prefix, clientID string) Topics {
	base := clientID
	if prefix != "" {
		base = prefix + "/" + clientID
	}
	return Topics{
		Keys:   base + "/" + keysSuffix,
		System: base + "/" + systemSuffix,
	}
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a key-position change. Failures must not crash the
	// process; callers log them.
	Publish(event logic.KeyEvent) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is a lifecycle event: STARTUP, SHUTDOWN, HEARTBEAT, CALIBRATED.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // shutdown signal, or calibrated sensor
	RawPayload []byte // pre-formatted JSON; returned as-is by FormatSystemPayload
	Retained   bool
}

// Payload is the key topic message.
type Payload struct {
	Key KeyPayload `json:"key"`
}

// KeyPayload describes one key-position change.
type KeyPayload struct {
	Timestamp string `json:"timestamp"`
	Sensor    int    `json:"sensor"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
	Synthetic bool   `json:"synthetic"`
}

// FormatPayload creates the JSON payload for a key event.
func FormatPayload(event logic.KeyEvent, name string) ([]byte, error) {
	payload := Payload{
		Key: KeyPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
			Sensor:    event.SensorID,
			Name:      name,
			State:     string(event.State()),
			Synthetic: event.Synthetic,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is the payload for events without a status snapshot
// (last will, reconnect).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
