// Package config handles Ackline configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from [Config.Validate].
var ErrInvalid = errors.New("invalid config")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ackline.yaml, ~/.config/ackline/ackline.yaml, /etc/ackline/ackline.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ackline.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ackline", "ackline.yaml"))
	}

	paths = append(paths, "/etc/ackline/ackline.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Ackline configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Link      LinkConfig      `yaml:"link"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Journal   JournalConfig   `yaml:"journal"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Broker is the broker URL: mqtt://, tcp://, mqtts://, ssl://, ws:// or wss://.
	Broker string `yaml:"broker"`
	// Protocol selects the client implementation: "3.1.1" (default) or "5".
	Protocol string `yaml:"protocol"`
	// ClientID is the MQTT client identifier. When empty, a stable id is
	// derived from the persisted instance id in DataDir.
	ClientID          string               `yaml:"client_id"`
	Username          string               `yaml:"username"`
	Password          string               `yaml:"password"`
	KeepAliveSec      int                  `yaml:"keepalive_sec"`
	ConnectTimeoutSec int                  `yaml:"connect_timeout_sec"`
	Subscriptions     []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is one topic filter kept subscribed across reconnects.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// ReconnectConfig controls what happens after the broker connection drops.
type ReconnectConfig struct {
	// Strategy is "constant" (default) or "exponential".
	Strategy    string `yaml:"strategy"`
	DelaySec    int    `yaml:"delay_sec"`
	MaxDelaySec int    `yaml:"max_delay_sec"`
	// DropPendingOnNewSession abandons every unacknowledged message when
	// a connect completes without a resumed broker session. Nil means true.
	// Both transports connect with a clean session, so with false the
	// pending messages are kept but can no longer be acknowledged.
	DropPendingOnNewSession *bool `yaml:"drop_pending_on_new_session"`
}

// LinkConfig controls the network-link watcher.
type LinkConfig struct {
	// ProbeAddress is the host:port dialed to decide whether the link is
	// up. Defaults to the broker's host and port.
	ProbeAddress    string `yaml:"probe_address"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	ProbeTimeoutSec int    `yaml:"probe_timeout_sec"`
}

// TelemetryConfig controls the periodic telemetry publisher.
type TelemetryConfig struct {
	Topic        string `yaml:"topic"`
	IntervalSec  int    `yaml:"interval_sec"`
	QoS          byte   `yaml:"qos"`
	PreviewBytes int    `yaml:"preview_bytes"`
}

// InboundConfig bounds the handling of messages received on subscriptions.
type InboundConfig struct {
	MaxPayloadBytes int     `yaml:"max_payload_bytes"`
	MaxPartial      int     `yaml:"max_partial"`
	RatePerSec      float64 `yaml:"rate_per_sec"`
	Burst           int     `yaml:"burst"`
}

// JournalConfig controls the SQLite delivery journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: <data_dir>/journal.db
}

// Load reads configuration from a YAML file, expanding environment
// variables, applying defaults and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and a
// broker on localhost.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			Broker: "mqtt://localhost:1883",
			Subscriptions: []SubscriptionConfig{
				{Topic: "ackline/cmd", QoS: 2},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = "3.1.1"
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec == 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.Reconnect.Strategy == "" {
		c.Reconnect.Strategy = "constant"
	}
	if c.Reconnect.DelaySec == 0 {
		c.Reconnect.DelaySec = 5
	}
	if c.Reconnect.MaxDelaySec == 0 {
		c.Reconnect.MaxDelaySec = 60
	}
	if c.Reconnect.DropPendingOnNewSession == nil {
		drop := true
		c.Reconnect.DropPendingOnNewSession = &drop
	}
	if c.Link.PollIntervalSec == 0 {
		c.Link.PollIntervalSec = 10
	}
	if c.Link.ProbeTimeoutSec == 0 {
		c.Link.ProbeTimeoutSec = 3
	}
	if c.Telemetry.Topic == "" {
		c.Telemetry.Topic = "ackline/telemetry"
	}
	if c.Telemetry.IntervalSec == 0 {
		c.Telemetry.IntervalSec = 10
	}
	if c.Telemetry.QoS == 0 {
		c.Telemetry.QoS = 1
	}
	if c.Telemetry.PreviewBytes == 0 {
		c.Telemetry.PreviewBytes = 35
	}
	if c.Inbound.MaxPayloadBytes == 0 {
		c.Inbound.MaxPayloadBytes = 64 * 1024
	}
	if c.Inbound.MaxPartial == 0 {
		c.Inbound.MaxPartial = 8
	}
	if c.Inbound.RatePerSec == 0 {
		c.Inbound.RatePerSec = 50
	}
	if c.Inbound.Burst == 0 {
		c.Inbound.Burst = 100
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.DataDir, "journal.db")
	}
	c.Journal.Path = expandHome(c.Journal.Path)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required", ErrInvalid)
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("%w: mqtt.broker: %v", ErrInvalid, err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
	default:
		return fmt.Errorf("%w: mqtt.broker scheme %q not supported", ErrInvalid, u.Scheme)
	}

	switch c.MQTT.Protocol {
	case "3.1.1", "5":
	default:
		return fmt.Errorf("%w: mqtt.protocol %q (valid: 3.1.1, 5)", ErrInvalid, c.MQTT.Protocol)
	}

	for i, sub := range c.MQTT.Subscriptions {
		if sub.Topic == "" {
			return fmt.Errorf("%w: mqtt.subscriptions[%d].topic is empty", ErrInvalid, i)
		}
		if sub.QoS > 2 {
			return fmt.Errorf("%w: mqtt.subscriptions[%d].qos %d > 2", ErrInvalid, i, sub.QoS)
		}
	}

	switch c.Reconnect.Strategy {
	case "constant", "exponential":
	default:
		return fmt.Errorf("%w: reconnect.strategy %q (valid: constant, exponential)", ErrInvalid, c.Reconnect.Strategy)
	}

	if c.Telemetry.QoS < 1 || c.Telemetry.QoS > 2 {
		return fmt.Errorf("%w: telemetry.qos must be 1 or 2, got %d", ErrInvalid, c.Telemetry.QoS)
	}

	for name, v := range map[string]int{
		"mqtt.keepalive_sec":        c.MQTT.KeepAliveSec,
		"mqtt.connect_timeout_sec":  c.MQTT.ConnectTimeoutSec,
		"reconnect.delay_sec":       c.Reconnect.DelaySec,
		"reconnect.max_delay_sec":   c.Reconnect.MaxDelaySec,
		"link.poll_interval_sec":    c.Link.PollIntervalSec,
		"link.probe_timeout_sec":    c.Link.ProbeTimeoutSec,
		"telemetry.interval_sec":    c.Telemetry.IntervalSec,
		"inbound.max_payload_bytes": c.Inbound.MaxPayloadBytes,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log_format %q (valid: text, json)", ErrInvalid, c.LogFormat)
	}
	return nil
}

// ReconnectDelay returns the configured base reconnect delay.
func (c ReconnectConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.DelaySec) * time.Second
}

// DropPending reports whether pending messages are abandoned when a new
// broker session starts.
func (c ReconnectConfig) DropPending() bool {
	return c.DropPendingOnNewSession == nil || *c.DropPendingOnNewSession
}
