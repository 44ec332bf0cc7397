package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/btlink/internal/transport"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ModeClassic, cfg.Transport)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.PairTimeout)
	assert.Equal(t, 12*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.MinScanTimeout)
	assert.Equal(t, 1, cfg.RFCOMMChannel)
	assert.Equal(t, 2, cfg.FallbackRFCOMMChannel)
	assert.NoError(t, cfg.Validate(), "defaults MUST be valid")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			level:    "debug",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			level:    "info",
			logLevel: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			level:    "warn",
			logLevel: logrus.WarnLevel,
		},
		{
			name:     "falls back to info on garbage",
			level:    "chatty",
			logLevel: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.level,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
transport: attribute
reconnect_base_delay: 500ms
write_mode: no-response
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ModeAttribute, cfg.Transport)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, 15*time.Second, cfg.ReconnectMaxDelay, "unset fields MUST keep defaults")

	opts, err := cfg.AttributeOptions()
	require.NoError(t, err)
	assert.Equal(t, transport.WriteWithoutResponse, opts.WriteMode)
	assert.Equal(t, transport.DefaultRXUUID, opts.RX)
	assert.Equal(t, transport.DefaultTXUUID, opts.TX)
}

func TestConfig_LoadErrors(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "absent.yaml")},
		{name: "unknown key", path: write("unknown.yaml", "colour: blue\n")},
		{name: "invalid value", path: write("invalid.yaml", "transport: carrier-pigeon\n")},
		{name: "bad duration", path: write("duration.yaml", "pair_timeout: soon\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path)
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg, "empty path MUST return defaults")

	cfg, err = Load(write("empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg, "empty file MUST return defaults")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
			valid:  true,
		},
		{
			name:   "attribute transport is valid",
			mutate: func(c *Config) { c.Transport = ModeAttribute },
			valid:  true,
		},
		{
			name:   "short characteristic ids are valid",
			mutate: func(c *Config) { c.RXCharacteristic = "2a37"; c.TXCharacteristic = "2a39" },
			valid:  true,
		},
		{
			name:   "unknown transport",
			mutate: func(c *Config) { c.Transport = "usb" },
			valid:  false,
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "chatty" },
			valid:  false,
		},
		{
			name:   "zero timeout",
			mutate: func(c *Config) { c.ConnectTimeout = 0 },
			valid:  false,
		},
		{
			name:   "max delay below base",
			mutate: func(c *Config) { c.ReconnectMaxDelay = 500 * time.Millisecond },
			valid:  false,
		},
		{
			name:   "rfcomm channel out of range",
			mutate: func(c *Config) { c.RFCOMMChannel = 31 },
			valid:  false,
		},
		{
			name:   "malformed characteristic",
			mutate: func(c *Config) { c.RXCharacteristic = "not-a-uuid" },
			valid:  false,
		},
		{
			name:   "unknown write mode",
			mutate: func(c *Config) { c.WriteMode = "sometimes" },
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func BenchmarkConfig_NewLogger(b *testing.B) {
	cfg := DefaultConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.NewLogger()
	}
}
