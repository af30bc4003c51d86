package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnmodem/hilinkd/pkg"
)

const sampleYAML = `
log_level: debug
data_dir: /tmp/hilinkd-test
metrics:
  enabled: true
  listen: 127.0.0.1:9999
modems:
  - uuid: aaaa-bbbb
    name: office
    address: 192.168.8.1
    password: secret
    enabled: true
    poll_interval_s: 15
    data_limit:
      enabled: true
      monthly_mb: 10240
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/hilinkd-test", cfg.DataDir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Listen)

	// Untouched sections keep the built-in defaults
	assert.Equal(t, "127.0.0.1:8181", cfg.API.Listen)
	assert.Equal(t, 24, cfg.Retention.FineWindowH)
	assert.Equal(t, 300, cfg.Retention.BucketResolutionS)
	assert.Equal(t, []int{80, 90, 100}, cfg.Alerts.DataLimitTiersPct)

	require.Len(t, cfg.Modems, 1)
	m := cfg.Modems[0]
	assert.Equal(t, "admin", m.Username)
	assert.Equal(t, pkg.ModeAuto, m.NetworkMode)
	assert.Equal(t, 15, m.PollIntervalS)
	assert.Equal(t, 60, m.ReconnectIntervalS)
	assert.Equal(t, 3, m.MaxReconnectAttempts)
}

func TestParseGeneratesMissingUUID(t *testing.T) {
	cfg, err := Parse([]byte(`
modems:
  - name: m1
    address: 192.168.8.1
  - name: m2
    address: 192.168.9.1
`))
	require.NoError(t, err)
	require.Len(t, cfg.Modems, 2)
	assert.NotEmpty(t, cfg.Modems[0].UUID)
	assert.NotEmpty(t, cfg.Modems[1].UUID)
	assert.NotEqual(t, cfg.Modems[0].UUID, cfg.Modems[1].UUID)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("modems: [unclosed"))
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "office", cfg.Modems[0].Name)
}

func TestValidateCollectsAllViolations(t *testing.T) {
	_, err := Parse([]byte(`
modems:
  - uuid: dup
    name: m1
    address: 192.168.8.1
    poll_interval_s: 5
    network_mode: warp_drive
  - uuid: dup
    name: ""
    address: ""
`))
	require.Error(t, err)
	assert.Equal(t, pkg.KindConfig, pkg.KindOf(err))
	msg := err.Error()
	assert.Contains(t, msg, "poll_interval_s")
	assert.Contains(t, msg, "invalid network_mode")
	assert.Contains(t, msg, "duplicate uuid dup")
	assert.Contains(t, msg, "name is required")
	assert.Contains(t, msg, "address is required")
}

func TestValidateDataLimitNeedsCap(t *testing.T) {
	_, err := Parse([]byte(`
modems:
  - name: m1
    address: 192.168.8.1
    data_limit:
      enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no monthly_mb or daily_mb cap")
}

func TestValidateRetentionBounds(t *testing.T) {
	cfg := Default()
	cfg.Retention.BucketResolutionS = 10
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket_resolution_s")
}

func TestDiffModems(t *testing.T) {
	mk := func(uuid, addr string, poll int) *pkg.ModemConfig {
		return &pkg.ModemConfig{
			UUID: uuid, Name: uuid, Address: addr,
			NetworkMode: pkg.ModeAuto, PollIntervalS: poll,
			ReconnectIntervalS: 60, MaxReconnectAttempts: 3,
		}
	}
	old := &Config{Modems: []*pkg.ModemConfig{
		mk("keep", "192.168.8.1", 30),
		mk("change", "192.168.9.1", 30),
		mk("remove", "192.168.10.1", 30),
	}}
	next := &Config{Modems: []*pkg.ModemConfig{
		mk("keep", "192.168.8.1", 30),
		mk("change", "192.168.9.1", 60),
		mk("add", "192.168.11.1", 30),
	}}

	added, removed, changed := DiffModems(old, next)
	assert.Equal(t, []string{"add"}, added)
	assert.Equal(t, []string{"remove"}, removed)
	assert.Equal(t, []string{"change"}, changed)
}

func TestRetentionDurations(t *testing.T) {
	r := RetentionPolicy{FineWindowH: 24, BucketResolutionS: 300, TotalRetentionD: 30}
	assert.Equal(t, "24h0m0s", r.FineWindow().String())
	assert.Equal(t, "5m0s", r.BucketResolution().String())
	assert.Equal(t, "720h0m0s", r.TotalRetention().String())
}

func TestModemLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NotNil(t, cfg.Modem("aaaa-bbbb"))
	assert.Nil(t, cfg.Modem("missing"))
}
