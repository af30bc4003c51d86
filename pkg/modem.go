package pkg

import "time"

// ModemConfig is the per-modem configuration supplied by the configuration
// collaborator. The core never mutates it.
type ModemConfig struct {
	UUID     string `yaml:"uuid" json:"uuid"`
	Name     string `yaml:"name" json:"name"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Address  string `yaml:"address" json:"address"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	AutoConnect bool        `yaml:"auto_connect" json:"auto_connect"`
	Roaming     bool        `yaml:"roaming" json:"roaming"`
	NetworkMode NetworkMode `yaml:"network_mode" json:"network_mode"`

	PollIntervalS        int `yaml:"poll_interval_s" json:"poll_interval_s"`
	ReconnectIntervalS   int `yaml:"reconnect_interval_s" json:"reconnect_interval_s"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`

	// Optional per-modem override of the global signal threshold; zero
	// means use the global value
	SignalThresholdDBm float64 `yaml:"signal_threshold_dbm" json:"signal_threshold_dbm"`

	DataLimit DataLimitConfig `yaml:"data_limit" json:"data_limit"`
}

// DataLimitConfig caps data usage per billing period
type DataLimitConfig struct {
	Enabled   bool  `yaml:"enabled" json:"enabled"`
	MonthlyMB int64 `yaml:"monthly_mb" json:"monthly_mb"`
	DailyMB   int64 `yaml:"daily_mb" json:"daily_mb"`
	// DisconnectOnBreach drops the connection once 100% of a cap is used
	DisconnectOnBreach bool `yaml:"disconnect_on_breach" json:"disconnect_on_breach"`
}

// PollInterval returns the poll interval as a duration
func (m *ModemConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalS) * time.Second
}

// ReconnectInterval returns the reconnect backoff base as a duration
func (m *ModemConfig) ReconnectInterval() time.Duration {
	return time.Duration(m.ReconnectIntervalS) * time.Second
}

// Equal reports whether two modem configurations are identical. Used by
// configuration reload to decide which loops must restart.
func (m *ModemConfig) Equal(o *ModemConfig) bool {
	if m == nil || o == nil {
		return m == o
	}
	return *m == *o
}

// RequiresRestart reports whether a configuration change needs a fresh
// runtime. Transport and device-setting changes do; policy fields such as
// the enabled flag, intervals, and limits apply to the running loop in
// place.
func (m *ModemConfig) RequiresRestart(o *ModemConfig) bool {
	return m.Name != o.Name ||
		m.Address != o.Address ||
		m.Username != o.Username ||
		m.Password != o.Password ||
		m.NetworkMode != o.NetworkMode ||
		m.Roaming != o.Roaming
}
