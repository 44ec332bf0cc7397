package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/btlink/internal/device"
	"github.com/srg/btlink/internal/transport"
)

// Transport modes
const (
	ModeClassic   = "classic"
	ModeAttribute = "attribute"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Adapter  string `yaml:"adapter" default:"hci0"`

	// Transport selects the connector/transport pair: classic or attribute.
	Transport string `yaml:"transport" default:"classic"`

	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" default:"1s"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay" default:"15s"`
	// MaxReconnectAttempts is reported but not enforced; reconnection runs until
	// cancelled.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" default:"5"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	PairTimeout    time.Duration `yaml:"pair_timeout" default:"30s"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"12s"`
	MinScanTimeout time.Duration `yaml:"min_scan_timeout" default:"100ms"`

	RFCOMMChannel         int `yaml:"rfcomm_channel" default:"1"`
	FallbackRFCOMMChannel int `yaml:"fallback_rfcomm_channel" default:"2"`

	RXCharacteristic string `yaml:"rx_characteristic" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	TXCharacteristic string `yaml:"tx_characteristic" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	WriteMode        string `yaml:"write_mode" default:"response"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Transport != ModeClassic && c.Transport != ModeAttribute {
		return fmt.Errorf("transport: unknown mode %q (want %s or %s)", c.Transport, ModeClassic, ModeAttribute)
	}

	durations := []struct {
		name string
		v    time.Duration
	}{
		{"reconnect_base_delay", c.ReconnectBaseDelay},
		{"reconnect_max_delay", c.ReconnectMaxDelay},
		{"connect_timeout", c.ConnectTimeout},
		{"pair_timeout", c.PairTimeout},
		{"scan_timeout", c.ScanTimeout},
		{"min_scan_timeout", c.MinScanTimeout},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.v)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect_max_delay %s is below reconnect_base_delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	for name, ch := range map[string]int{"rfcomm_channel": c.RFCOMMChannel, "fallback_rfcomm_channel": c.FallbackRFCOMMChannel} {
		if ch < 1 || ch > 30 {
			return fmt.Errorf("%s must be in 1..30, got %d", name, ch)
		}
	}
	if _, err := c.AttributeOptions(); err != nil {
		return err
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// AttributeOptions resolves the serial characteristics and write mode.
func (c *Config) AttributeOptions() (transport.AttributeOptions, error) {
	rx, err := device.ParseAttributeUUID(c.RXCharacteristic)
	if err != nil {
		return transport.AttributeOptions{}, fmt.Errorf("rx_characteristic: %w", err)
	}
	tx, err := device.ParseAttributeUUID(c.TXCharacteristic)
	if err != nil {
		return transport.AttributeOptions{}, fmt.Errorf("tx_characteristic: %w", err)
	}
	mode, err := transport.ParseWriteMode(c.WriteMode)
	if err != nil {
		return transport.AttributeOptions{}, fmt.Errorf("write_mode: %w", err)
	}
	return transport.AttributeOptions{RX: rx, TX: tx, WriteMode: mode}, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
