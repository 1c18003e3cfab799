// Package config loads the daemon's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides where the config file is read from.
const EnvConfigPath = "SIGNALC_CONFIG"

// DefaultPath is used when EnvConfigPath is unset.
const DefaultPath = "config.yaml"

type SocketConfig struct {
	Path string `yaml:"path"`
}

type SignalConfig struct {
	// ServiceURL is the messaging service's REST endpoint.
	ServiceURL string `yaml:"service_url"`
	// WebsocketURL is the message pipe endpoint, usually the service URL
	// with a wss scheme.
	WebsocketURL string `yaml:"websocket_url"`
	// CDNURL hosts encrypted attachments.
	CDNURL string `yaml:"cdn_url"`
	// Agent is sent as the X-Signal-Agent header.
	Agent string `yaml:"agent"`
	// AttachmentsDir receives downloaded attachments. Also used for
	// in-progress download temp files.
	AttachmentsDir string `yaml:"attachments_dir"`
}

// TimerConfig exposes the backoff and timeout tuning knobs. The defaults
// match long-standing production constants; there is no documented rationale
// for other values, which is exactly why they are configurable.
type TimerConfig struct {
	// PipeReadTimeout detects dead message pipes. It is a liveness probe
	// interval, not a latency bound.
	PipeReadTimeout time.Duration `yaml:"pipe_read_timeout"`
	// DrainTimeout bounds how long shutdown waits for in-flight decryption.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// ResubscribeDelay is the base delay before resubscribing after a
	// disruption; it doubles per consecutive disruption.
	ResubscribeDelay time.Duration `yaml:"resubscribe_delay"`
	// ResubscribeReset is how long a subscription must stay healthy before
	// the resubscribe delay resets to its base value.
	ResubscribeReset time.Duration `yaml:"resubscribe_reset"`
}

// UnmarshalYAML accepts Go duration strings ("30s", "1h") for every timer.
func (t *TimerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		PipeReadTimeout  string `yaml:"pipe_read_timeout"`
		DrainTimeout     string `yaml:"drain_timeout"`
		ResubscribeDelay string `yaml:"resubscribe_delay"`
		ResubscribeReset string `yaml:"resubscribe_reset"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for _, field := range []struct {
		name  string
		value string
		out   *time.Duration
	}{
		{"pipe_read_timeout", raw.PipeReadTimeout, &t.PipeReadTimeout},
		{"drain_timeout", raw.DrainTimeout, &t.DrainTimeout},
		{"resubscribe_delay", raw.ResubscribeDelay, &t.ResubscribeDelay},
		{"resubscribe_reset", raw.ResubscribeReset, &t.ResubscribeReset},
	} {
		if field.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(field.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
		*field.out = parsed
	}
	return nil
}

type Config struct {
	Logging  zeroconfig.Config `yaml:"logging"`
	Database dbutil.Config     `yaml:"database"`
	Socket   SocketConfig      `yaml:"socket"`
	Signal   SignalConfig      `yaml:"signal"`
	Timers   TimerConfig       `yaml:"timers"`
}

func (c *Config) applyDefaults() {
	if c.Socket.Path == "" {
		c.Socket.Path = "/signalc/sock/signald.sock"
	}
	if c.Signal.ServiceURL == "" {
		c.Signal.ServiceURL = "https://textsecure-service.whispersystems.org"
	}
	if c.Signal.WebsocketURL == "" {
		c.Signal.WebsocketURL = "wss://textsecure-service.whispersystems.org"
	}
	if c.Signal.CDNURL == "" {
		c.Signal.CDNURL = "https://cdn.signal.org"
	}
	if c.Signal.Agent == "" {
		c.Signal.Agent = "signalc"
	}
	if c.Signal.AttachmentsDir == "" {
		c.Signal.AttachmentsDir = "/signalc/attachments"
	}
	if c.Timers.PipeReadTimeout == 0 {
		c.Timers.PipeReadTimeout = time.Hour
	}
	if c.Timers.DrainTimeout == 0 {
		c.Timers.DrainTimeout = 30 * time.Second
	}
	if c.Timers.ResubscribeDelay == 0 {
		c.Timers.ResubscribeDelay = time.Millisecond
	}
	if c.Timers.ResubscribeReset == 0 {
		c.Timers.ResubscribeReset = time.Minute
	}
}

func (c *Config) applyEnvOverrides() {
	if uri := os.Getenv("SIGNALC_DB_URI"); uri != "" {
		c.Database.URI = uri
	}
	if path := os.Getenv("SIGNALC_SOCKET_PATH"); path != "" {
		c.Socket.Path = path
	}
}

func (c *Config) validate() error {
	if c.Database.Type == "" || c.Database.URI == "" {
		return fmt.Errorf("database type and uri are required")
	}
	return nil
}

// Load reads and validates the configuration file at the given path, or at
// $SIGNALC_CONFIG (default config.yaml) when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
