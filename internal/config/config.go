// Package config handles emonremote configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nugget/emonremote/internal/feed"
	"github.com/nugget/emonremote/internal/session"
)

// Defaults applied to zero-valued fields by [Load].
const (
	DefaultListenPort       = 8080
	DefaultBroker           = "wss://mqtt.emoncms.org:8083"
	DefaultMQTTRateLimit    = 100
	DefaultPollIntervalSec  = 5
	DefaultSubscribeTimeout = 10
	DefaultEmoncmsURL       = "http://localhost"
	DefaultRelayWorkers     = 4
	DefaultRelayQueue       = 32
	DefaultRelayTimeoutSec  = 10
)

// DefaultAllowedPaths are the emoncms API prefixes a relay will call
// when none are configured.
var DefaultAllowedPaths = []string{"/emoncms/feed/"}

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/emonremote/config.yaml,
// /etc/emonremote/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "emonremote", "config.yaml"))
	}

	paths = append(paths, "/etc/emonremote/config.yaml")
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

// Config holds all emonremote configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Session   session.Session `yaml:"session"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Poller    PollerConfig    `yaml:"poller"`
	Relay     RelayConfig     `yaml:"relay"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ListenConfig defines the web view's HTTP listener.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"gte=1,lte=65535"`
}

// MQTTConfig defines the broker connection shared by every mode.
type MQTTConfig struct {
	// Broker is a URL such as wss://mqtt.emoncms.org:8083 or
	// mqtt://localhost:1883.
	Broker string `yaml:"broker" validate:"required,url"`
	// KeepAliveSec is the MQTT keep-alive interval (default 30).
	KeepAliveSec int `yaml:"keepalive_sec" validate:"gte=0,lte=65535"`
	// InsecureSkipVerify disables broker certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// ClientPrefix is prepended to generated client identifiers.
	ClientPrefix string `yaml:"client_prefix"`
	// RateLimit caps inbound messages per second (default 100).
	RateLimit int `yaml:"rate_limit" validate:"gte=0"`
}

// PollerConfig tunes the feed poller.
type PollerConfig struct {
	// Path is the emoncms API path requested on every poll.
	Path string `yaml:"path" validate:"required,startswith=/"`
	// IntervalSec is the poll period in seconds (default 5).
	IntervalSec int `yaml:"interval_sec" validate:"gte=1"`
	// SubscribeTimeoutSec bounds the wait for a SUBACK (default 10).
	SubscribeTimeoutSec int `yaml:"subscribe_timeout_sec" validate:"gte=1"`
}

// Interval returns the poll period as a duration.
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// SubscribeTimeout returns the SUBACK wait as a duration.
func (c PollerConfig) SubscribeTimeout() time.Duration {
	return time.Duration(c.SubscribeTimeoutSec) * time.Second
}

// RelayConfig defines the emoncms instance a relay answers from.
type RelayConfig struct {
	// EmoncmsURL is the base URL of the local emoncms (scheme, host, port).
	EmoncmsURL string `yaml:"emoncms_url" validate:"required,url"`
	// APIKey is the emoncms read API key appended to every call.
	APIKey string `yaml:"apikey"`
	// AllowedPaths are path prefixes requests may target.
	AllowedPaths []string `yaml:"allowed_paths" validate:"min=1,dive,startswith=/"`
	// Workers is the number of concurrent API calls (default 4).
	Workers int `yaml:"workers" validate:"gte=1"`
	// QueueSize bounds pending requests (default 32).
	QueueSize int `yaml:"queue_size" validate:"gte=1"`
	// TimeoutSec bounds each emoncms API call (default 10).
	TimeoutSec int `yaml:"timeout_sec" validate:"gte=1"`
}

// Configured reports whether an API key has been provided.
func (c RelayConfig) Configured() bool {
	return c.APIKey != ""
}

// Timeout returns the per-call timeout as a duration.
func (c RelayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

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

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultBroker
	}
	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = session.DefaultClientPrefix
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = DefaultMQTTRateLimit
	}
	if c.Poller.Path == "" {
		c.Poller.Path = feed.DefaultListPath
	}
	if c.Poller.IntervalSec == 0 {
		c.Poller.IntervalSec = DefaultPollIntervalSec
	}
	if c.Poller.SubscribeTimeoutSec == 0 {
		c.Poller.SubscribeTimeoutSec = DefaultSubscribeTimeout
	}
	if c.Relay.EmoncmsURL == "" {
		c.Relay.EmoncmsURL = DefaultEmoncmsURL
	}
	if len(c.Relay.AllowedPaths) == 0 {
		c.Relay.AllowedPaths = append([]string(nil), DefaultAllowedPaths...)
	}
	if c.Relay.Workers == 0 {
		c.Relay.Workers = DefaultRelayWorkers
	}
	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = DefaultRelayQueue
	}
	if c.Relay.TimeoutSec == 0 {
		c.Relay.TimeoutSec = DefaultRelayTimeoutSec
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks struct constraints, the log level, and the session.
// Every problem found is reported, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: log_level: %w", err))
	}

	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}

	return errors.Join(errs...)
}
