package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/opnmodem/hilinkd/pkg"
)

// Config is the full daemon configuration. It is owned by the configuration
// collaborator (file on disk); the core treats it as read-only.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`

	API           APIConfig          `yaml:"api" json:"api"`
	Metrics       MetricsConfig      `yaml:"metrics" json:"metrics"`
	MQTT          MQTTConfig         `yaml:"mqtt" json:"mqtt"`
	Notifications NotifyConfig       `yaml:"notifications" json:"notifications"`
	Retention     RetentionPolicy    `yaml:"retention" json:"retention"`
	Alerts        AlertConfig        `yaml:"alerts" json:"alerts"`
	Modems        []*pkg.ModemConfig `yaml:"modems" json:"modems"`
}

// APIConfig configures the control-plane HTTP listener
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// MetricsConfig configures the Prometheus exporter
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// MQTTConfig configures the telemetry publisher
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	Port        int    `yaml:"port" json:"port"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         int    `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

// NotifyConfig configures webhook alert notifications
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	CooldownS  int    `yaml:"cooldown_s" json:"cooldown_s"`
}

// RetentionPolicy defines the tiered retention of the time-series store
type RetentionPolicy struct {
	FineWindowH       int `yaml:"fine_window_h" json:"fine_window_h"`
	BucketResolutionS int `yaml:"bucket_resolution_s" json:"bucket_resolution_s"`
	TotalRetentionD   int `yaml:"total_retention_days" json:"total_retention_days"`
}

// FineWindow returns the raw-sample retention window
func (r RetentionPolicy) FineWindow() time.Duration {
	return time.Duration(r.FineWindowH) * time.Hour
}

// BucketResolution returns the consolidated bucket width
func (r RetentionPolicy) BucketResolution() time.Duration {
	return time.Duration(r.BucketResolutionS) * time.Second
}

// TotalRetention returns the total retention including consolidated tiers
func (r RetentionPolicy) TotalRetention() time.Duration {
	return time.Duration(r.TotalRetentionD) * 24 * time.Hour
}

// AlertConfig holds global alert thresholds and rate limits
type AlertConfig struct {
	SignalThresholdDBm float64 `yaml:"signal_threshold_dbm" json:"signal_threshold_dbm"`
	SignalSamples      int     `yaml:"signal_samples" json:"signal_samples"`
	DataLimitTiersPct  []int   `yaml:"data_limit_tiers_pct" json:"data_limit_tiers_pct"`
	QuietIntervalS     int     `yaml:"quiet_interval_s" json:"quiet_interval_s"`
	DailyCapPerType    int     `yaml:"daily_cap_per_type" json:"daily_cap_per_type"`
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "/var/lib/hilinkd",
		API:      APIConfig{Enabled: true, Listen: "127.0.0.1:8181"},
		Metrics:  MetricsConfig{Enabled: false, Listen: "127.0.0.1:9181"},
		MQTT: MQTTConfig{
			Broker:      "localhost",
			Port:        1883,
			ClientID:    "hilinkd",
			TopicPrefix: "hilink",
			QoS:         1,
		},
		Notifications: NotifyConfig{CooldownS: 300},
		Retention: RetentionPolicy{
			FineWindowH:       24,
			BucketResolutionS: 300,
			TotalRetentionD:   30,
		},
		Alerts: AlertConfig{
			SignalThresholdDBm: -90,
			SignalSamples:      1,
			DataLimitTiersPct:  []int{80, 90, 100},
			QuietIntervalS:     300,
			DailyCapPerType:    20,
		},
	}
}

// Load reads and validates the configuration file. Validation failures are
// ConfigErrors and leave no state behind.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkg.ConfigError("read config", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, pkg.ConfigError("parse config", err)
	}
	cfg.applyModemDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyModemDefaults() {
	for _, m := range c.Modems {
		if m.UUID == "" {
			m.UUID = uuid.New().String()
		}
		if m.Username == "" {
			m.Username = "admin"
		}
		if m.NetworkMode == "" {
			m.NetworkMode = pkg.ModeAuto
		}
		if m.PollIntervalS == 0 {
			m.PollIntervalS = 30
		}
		if m.ReconnectIntervalS == 0 {
			m.ReconnectIntervalS = 60
		}
		if m.MaxReconnectAttempts == 0 {
			m.MaxReconnectAttempts = 3
		}
	}
}

// Validate checks the whole configuration and returns a ConfigError listing
// every violation found
func (c *Config) Validate() error {
	var errs []string

	if c.Retention.FineWindowH < 1 {
		errs = append(errs, "retention.fine_window_h must be >= 1")
	}
	if c.Retention.BucketResolutionS < 60 {
		errs = append(errs, "retention.bucket_resolution_s must be >= 60")
	}
	if c.Retention.TotalRetentionD < 1 {
		errs = append(errs, "retention.total_retention_days must be >= 1")
	}
	if c.Alerts.SignalSamples < 1 {
		errs = append(errs, "alerts.signal_samples must be >= 1")
	}
	for _, pct := range c.Alerts.DataLimitTiersPct {
		if pct <= 0 {
			errs = append(errs, fmt.Sprintf("alerts.data_limit_tiers_pct entry %d must be > 0", pct))
		}
	}

	seen := map[string]bool{}
	for i, m := range c.Modems {
		prefix := fmt.Sprintf("modems[%d]", i)
		if m.Name == "" {
			errs = append(errs, prefix+": name is required")
		}
		if m.Address == "" {
			errs = append(errs, prefix+": address is required")
		}
		if seen[m.UUID] {
			errs = append(errs, prefix+": duplicate uuid "+m.UUID)
		}
		seen[m.UUID] = true
		if m.PollIntervalS < 10 || m.PollIntervalS > 300 {
			errs = append(errs, prefix+": poll_interval_s must be between 10 and 300")
		}
		if m.ReconnectIntervalS < 1 {
			errs = append(errs, prefix+": reconnect_interval_s must be >= 1")
		}
		if m.MaxReconnectAttempts < 1 {
			errs = append(errs, prefix+": max_reconnect_attempts must be >= 1")
		}
		if !pkg.ValidNetworkMode(string(m.NetworkMode)) {
			errs = append(errs, prefix+": invalid network_mode "+string(m.NetworkMode))
		}
		if m.DataLimit.Enabled && m.DataLimit.MonthlyMB <= 0 && m.DataLimit.DailyMB <= 0 {
			errs = append(errs, prefix+": data_limit enabled but no monthly_mb or daily_mb cap set")
		}
	}

	if len(errs) > 0 {
		return pkg.ConfigError("validate", fmt.Errorf("%d error(s): %v", len(errs), errs))
	}
	return nil
}

// Modem returns the configuration for a modem uuid, or nil
func (c *Config) Modem(uuid string) *pkg.ModemConfig {
	for _, m := range c.Modems {
		if m.UUID == uuid {
			return m
		}
	}
	return nil
}

// DiffModems compares two configurations and reports which modem loops need
// to be added, removed, or restarted. Unchanged modems keep running.
func DiffModems(old, next *Config) (added, removed, changed []string) {
	oldSet := map[string]*pkg.ModemConfig{}
	for _, m := range old.Modems {
		oldSet[m.UUID] = m
	}
	nextSet := map[string]*pkg.ModemConfig{}
	for _, m := range next.Modems {
		nextSet[m.UUID] = m
	}
	for id, m := range nextSet {
		prev, ok := oldSet[id]
		if !ok {
			added = append(added, id)
			continue
		}
		if !prev.Equal(m) {
			changed = append(changed, id)
		}
	}
	for id := range oldSet {
		if _, ok := nextSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed, changed
}
