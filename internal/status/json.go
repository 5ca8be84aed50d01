package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Sensors       []SensorJSON `json:"sensors"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"event_counts"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// SensorJSON is the JSON representation of one sensor.
type SensorJSON struct {
	ID          int    `json:"id"`
	Name        string `json:"name,omitempty"`
	Channel     int    `json:"channel"`
	State       string `json:"state"`
	Key         string `json:"key"`
	LastMV      int    `json:"last_mv"`
	Calibrated  bool   `json:"calibrated"`
	BaselineMV  int    `json:"baseline_mv"`
	ThresholdMV int    `json:"threshold_mv"`
	ReleaseMV   int    `json:"release_mv"`
	Rapid       bool   `json:"rapid"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Presses           int `json:"presses"`
	Releases          int `json:"releases"`
	Pulses            int `json:"pulses"`
	AcquisitionErrors int `json:"acquisition_errors"`
	CalibrationErrors int `json:"calibration_errors"`
	Dropped           int `json:"dropped"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Samples          int    `json:"samples"`
	SampleIntervalMs int64  `json:"sample_interval_ms"`
	PeriodMs         int64  `json:"period_ms"`
	Policy           string `json:"socd_policy"`
	RapidEnabled     bool   `json:"rapid_trigger"`
	RapidWindowMs    int64  `json:"rapid_window_ms"`
	PulseMs          int64  `json:"pulse_ms"`
	HeartbeatMs      int64  `json:"heartbeat_ms"`
	ADCDriver        string `json:"adc_driver"`
	Broker           string `json:"broker"`
	HTTPAddr         string `json:"http_addr"`
}

func stateOrUnknown(s string) string {
	if s == "" {
		return "UNKNOWN"
	}
	return s
}

func keyString(pressed bool) string {
	if pressed {
		return "DOWN"
	}
	return "UP"
}

func buildSensors(sensors []Sensor) []SensorJSON {
	out := make([]SensorJSON, len(sensors))
	for i, s := range sensors {
		out[i] = SensorJSON{
			ID:          s.ID,
			Name:        s.Name,
			Channel:     s.Channel,
			State:       stateOrUnknown(string(s.State)),
			Key:         keyString(s.Position),
			LastMV:      s.LastMV,
			Calibrated:  s.Calibration.Calibrated(),
			BaselineMV:  s.Calibration.BaselineMV,
			ThresholdMV: s.Calibration.ThresholdMV,
			ReleaseMV:   s.Calibration.ReleaseMV(),
			Rapid:       s.Rapid,
		}
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Config
	inner := StatusInner{
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Sensors:       buildSensors(snap.Sensors),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: c.Broker},
		Counts: CountsJSON{
			Presses:           snap.Counts.Presses,
			Releases:          snap.Counts.Releases,
			Pulses:            snap.Counts.Pulses,
			AcquisitionErrors: snap.Counts.AcquisitionErrors,
			CalibrationErrors: snap.Counts.CalibrationErrors,
			Dropped:           snap.Counts.Dropped,
		},
		Config: ConfigJSON{
			Samples:          c.Samples,
			SampleIntervalMs: c.SampleIntervalMs,
			PeriodMs:         c.PeriodMs,
			Policy:           c.Policy,
			RapidEnabled:     c.RapidEnabled,
			RapidWindowMs:    c.RapidWindowMs,
			PulseMs:          c.PulseMs,
			HeartbeatMs:      c.HeartbeatMs,
			ADCDriver:        c.ADCDriver,
			Broker:           c.Broker,
			HTTPAddr:         c.HTTPAddr,
		},
	}
	if n := snap.Network; n != nil {
		inner.Network = &NetworkJSON{
			Type:       n.Type,
			IP:         n.IP,
			Status:     n.Status,
			Gateway:    n.Gateway,
			WifiStatus: n.WifiStatus,
			SSID:       n.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
