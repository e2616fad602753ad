// Package config loads the fireble daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/session"
	"gopkg.in/yaml.v3"
)

// ErrNoDevices is reported when the devices section is empty
var ErrNoDevices = errors.New("at least one device is required")

// Config holds application configuration
type Config struct {
	LogLevel string   `yaml:"log_level" default:"info"`
	HTTP     HTTP     `yaml:"http"`
	Adapter  Adapter  `yaml:"adapter"`
	MQTT     MQTT     `yaml:"mqtt"`
	Timing   Timing   `yaml:"timing"`
	Devices  []Device `yaml:"devices"`
}

// HTTP configures the status API. An empty Listen disables it.
type HTTP struct {
	Listen string `yaml:"listen" default:"127.0.0.1:8321"`
}

// Adapter configures the local Bluetooth radio
type Adapter struct {
	Source         string        `yaml:"source" default:"local"`
	PresenceWindow time.Duration `yaml:"presence_window" default:"30s"`
}

// MQTT configures the broker connection. An empty Broker disables MQTT.
type MQTT struct {
	Broker          string        `yaml:"broker"`
	ClientID        string        `yaml:"client_id" default:"fireble"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	QueueSize       int           `yaml:"queue_size" default:"256"`
	Discovery       bool          `yaml:"discovery" default:"true"`
	DiscoveryPrefix string        `yaml:"discovery_prefix" default:"homeassistant"`
	StateRoot       string        `yaml:"state_root" default:"fireble"`
}

// Timing overrides the session delays
type Timing struct {
	ScanInterval     time.Duration `yaml:"scan_interval" default:"5s"`
	LivenessInterval time.Duration `yaml:"liveness_interval" default:"2s"`
	RetryDelay       time.Duration `yaml:"retry_delay" default:"15s"`
	SaturatedDelay   time.Duration `yaml:"saturated_delay" default:"60s"`
	StaleAfter       time.Duration `yaml:"stale_after" default:"30s"`
	SweepInterval    time.Duration `yaml:"sweep_interval" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
}

// Device is one FireBoard hub to run a session for
type Device struct {
	Address   string `yaml:"address"`
	Name      string `yaml:"name,omitempty"`
	BaseTopic string `yaml:"base_topic,omitempty"`
	Publish   bool   `yaml:"publish,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if len(c.Devices) == 0 {
		errs = append(errs, fmt.Errorf("devices: %w", ErrNoDevices))
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		addr := strings.ToUpper(strings.TrimSpace(d.Address))
		switch {
		case addr == "":
			errs = append(errs, fmt.Errorf("devices[%d]: address is required", i))
		case seen[addr]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate address %s", i, d.Address))
		}
		seen[addr] = true

		if d.Publish && c.MQTT.Broker == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: publish requires mqtt.broker", i))
		}
	}

	for name, d := range map[string]time.Duration{
		"timing.scan_interval":     c.Timing.ScanInterval,
		"timing.liveness_interval": c.Timing.LivenessInterval,
		"timing.retry_delay":       c.Timing.RetryDelay,
		"timing.saturated_delay":   c.Timing.SaturatedDelay,
		"timing.stale_after":       c.Timing.StaleAfter,
		"timing.sweep_interval":    c.Timing.SweepInterval,
		"timing.connect_timeout":   c.Timing.ConnectTimeout,
		"adapter.presence_window":  c.Adapter.PresenceWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %s", name, d))
		}
	}

	if c.MQTT.Broker != "" && c.MQTT.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.queue_size: must be positive, got %d", c.MQTT.QueueSize))
	}

	return errors.Join(errs...)
}

// Level returns the parsed log level, info when unset or invalid
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// SessionTiming converts the timing section for session.Config
func (c *Config) SessionTiming() session.Timing {
	return session.Timing{
		ScanInterval:     c.Timing.ScanInterval,
		LivenessInterval: c.Timing.LivenessInterval,
		RetryDelay:       c.Timing.RetryDelay,
		SaturatedDelay:   c.Timing.SaturatedDelay,
		StaleAfter:       c.Timing.StaleAfter,
		SweepInterval:    c.Timing.SweepInterval,
		ConnectTimeout:   c.Timing.ConnectTimeout,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
