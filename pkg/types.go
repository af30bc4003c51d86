package pkg

import (
	"time"
)

// ConnectionStatus is the modem's WAN connection state as reported by the device
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusUnknown      ConnectionStatus = "unknown"
)

// NetworkType is the radio access technology currently in use
type NetworkType string

const (
	Network2G      NetworkType = "2G"
	Network3G      NetworkType = "3G"
	Network4G      NetworkType = "4G"
	NetworkNone    NetworkType = "none"
	NetworkUnknown NetworkType = "unknown"
)

// NetworkMode is the configured RAT selection policy
type NetworkMode string

const (
	ModeAuto        NetworkMode = "auto"
	Mode4GPreferred NetworkMode = "4g_preferred"
	Mode3GPreferred NetworkMode = "3g_preferred"
	Mode4GOnly      NetworkMode = "4g_only"
	Mode3GOnly      NetworkMode = "3g_only"
)

// ValidNetworkMode reports whether s is a recognized network mode
func ValidNetworkMode(s string) bool {
	switch NetworkMode(s) {
	case ModeAuto, Mode4GPreferred, Mode3GPreferred, Mode4GOnly, Mode3GOnly:
		return true
	}
	return false
}

// Sample is one normalized poll result for a modem. Samples are immutable
// once appended to the store.
type Sample struct {
	Timestamp   time.Time        `json:"timestamp"`
	Status      ConnectionStatus `json:"status"`
	NetworkType NetworkType      `json:"network_type"`
	Operator    string           `json:"operator,omitempty"`
	WANIP       string           `json:"wan_ip,omitempty"`

	// Radio metrics; nil when the device did not report a value
	RSSI *float64 `json:"rssi,omitempty"`
	RSRP *float64 `json:"rsrp,omitempty"`
	RSRQ *float64 `json:"rsrq,omitempty"`
	SINR *float64 `json:"sinr,omitempty"`

	// Cumulative byte counters as reported by the device
	RxBytes int64 `json:"rx_bytes"`
	TxBytes int64 `json:"tx_bytes"`

	// Deltas since the previous sample, zero-floored; on a detected
	// device counter reset the delta restarts from the new baseline
	RxDelta      int64 `json:"rx_delta"`
	TxDelta      int64 `json:"tx_delta"`
	CounterReset bool  `json:"counter_reset,omitempty"`

	// Stale is set on read-side responses when the sample predates the
	// current poll window; never persisted
	Stale bool `json:"stale,omitempty"`
}

// ConnState is the connection manager's controlled state for a modem
type ConnState string

const (
	StateDisabled     ConnState = "disabled"
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// AlertType identifies the threshold rule that raised an alert
type AlertType string

const (
	AlertLowSignal      AlertType = "low_signal"
	AlertDataLimit      AlertType = "data_limit"
	AlertConnectionLoss AlertType = "connection_loss"
)

// Severity is the alert severity tier
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertOpen         AlertState = "open"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// Alert is a raised threshold breach. At most one alert per (modem, type)
// may be Open or Acknowledged at a time.
type Alert struct {
	ID             string     `json:"id"`
	ModemUUID      string     `json:"modem_uuid"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	Message        string     `json:"message"`
	RaisedAt       time.Time  `json:"raised_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the alert still demands attention
func (a *Alert) Active() bool {
	return a.State == AlertOpen || a.State == AlertAcknowledged
}

// Event is an observable state change published to the event stream
/// (MQTT, logs): connection transitions, counter resets, config reloads.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	ModemUUID string                 `json:"modem_uuid,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// CommandResult is the uniform outcome of a control command
type CommandResult struct {
	Status    string    `json:"status"` // ok|pending|error
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// OK returns a successful command result
func OK() CommandResult { return CommandResult{Status: "ok"} }

// Pending returns a command result for an accepted but unconfirmed command
func Pending(msg string) CommandResult { return CommandResult{Status: "pending", Message: msg} }

// Errored translates an error into a command result, preserving its kind
func Errored(err error) CommandResult {
	return CommandResult{Status: "error", ErrorKind: KindOf(err), Message: err.Error()}
}
