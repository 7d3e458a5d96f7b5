// Package config holds the engine's policy knobs and their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing budgets used by the session engine
const (
	// DefaultSelectTimeout bounds the graceful teardown of the previous
	// session when switching runtimes.
	DefaultSelectTimeout = 5 * time.Second

	// DefaultInterruptTimeout bounds the wait for an interrupted session
	// to return to idle before escalating to the user.
	DefaultInterruptTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds the wait for a shutting-down session
	// to exit before escalating to the user.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultOfflineTimeout bounds the wait for an offline session to
	// reconnect before escalating to the user.
	DefaultOfflineTimeout = 30 * time.Second

	// DefaultRestartDebounce is the pause before auto-restarting a
	// crashed session, letting exit observers settle first.
	DefaultRestartDebounce = 250 * time.Millisecond

	// DefaultHeartbeatInterval is how often the kernel transport pings
	// its process.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatMisses is how many consecutive missed heartbeats
	// mark a session offline.
	DefaultHeartbeatMisses = 3

	// DefaultStartupTimeout bounds the transport-level session handshake.
	DefaultStartupTimeout = 30 * time.Second
)

// Config is the configuration surface consumed by the engine. The two
// booleans are read at decision points rather than cached, so a live
// change takes effect on the next decision.
type Config struct {
	// AutomaticStartup gates all auto-start policy.
	AutomaticStartup bool `yaml:"automaticStartup"`
	// RestartOnCrash enables the debounced restart after an abnormal exit.
	RestartOnCrash bool `yaml:"restartOnCrash"`

	SelectTimeout    time.Duration `yaml:"selectTimeout"`
	InterruptTimeout time.Duration `yaml:"interruptTimeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
	OfflineTimeout   time.Duration `yaml:"offlineTimeout"`
	RestartDebounce  time.Duration `yaml:"restartDebounce"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatMisses   int           `yaml:"heartbeatMisses"`
	StartupTimeout    time.Duration `yaml:"startupTimeout"`
}

// Default returns the reference policy configuration.
func Default() Config {
	return Config{
		AutomaticStartup:  true,
		RestartOnCrash:    true,
		SelectTimeout:     DefaultSelectTimeout,
		InterruptTimeout:  DefaultInterruptTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		OfflineTimeout:    DefaultOfflineTimeout,
		RestartDebounce:   DefaultRestartDebounce,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatMisses:   DefaultHeartbeatMisses,
		StartupTimeout:    DefaultStartupTimeout,
	}
}

// Load reads a yaml config file over the defaults. Zero-valued durations in
// the file fall back to their defaults so partial files stay valid.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// UnmarshalYAML decodes via a shadow struct so durations can be written as
// "10s"-style strings. The yaml decoder only accepts raw nanosecond
// integers for time.Duration, which no one wants to write in a config
// file. Absent keys leave the receiver untouched.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		AutomaticStartup *bool `yaml:"automaticStartup"`
		RestartOnCrash   *bool `yaml:"restartOnCrash"`

		SelectTimeout    string `yaml:"selectTimeout"`
		InterruptTimeout string `yaml:"interruptTimeout"`
		ShutdownTimeout  string `yaml:"shutdownTimeout"`
		OfflineTimeout   string `yaml:"offlineTimeout"`
		RestartDebounce  string `yaml:"restartDebounce"`

		HeartbeatInterval string `yaml:"heartbeatInterval"`
		HeartbeatMisses   *int   `yaml:"heartbeatMisses"`
		StartupTimeout    string `yaml:"startupTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.AutomaticStartup != nil {
		c.AutomaticStartup = *raw.AutomaticStartup
	}
	if raw.RestartOnCrash != nil {
		c.RestartOnCrash = *raw.RestartOnCrash
	}
	if raw.HeartbeatMisses != nil {
		c.HeartbeatMisses = *raw.HeartbeatMisses
	}

	for _, f := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"selectTimeout", raw.SelectTimeout, &c.SelectTimeout},
		{"interruptTimeout", raw.InterruptTimeout, &c.InterruptTimeout},
		{"shutdownTimeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
		{"offlineTimeout", raw.OfflineTimeout, &c.OfflineTimeout},
		{"restartDebounce", raw.RestartDebounce, &c.RestartDebounce},
		{"heartbeatInterval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"startupTimeout", raw.StartupTimeout, &c.StartupTimeout},
	} {
		if f.val == "" {
			continue
		}
		d, err := time.ParseDuration(f.val)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SelectTimeout <= 0 {
		c.SelectTimeout = DefaultSelectTimeout
	}
	if c.InterruptTimeout <= 0 {
		c.InterruptTimeout = DefaultInterruptTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = DefaultOfflineTimeout
	}
	if c.RestartDebounce <= 0 {
		c.RestartDebounce = DefaultRestartDebounce
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
}

// Provider yields the current configuration. The engine calls it at every
// decision point instead of holding a copy.
type Provider func() Config

// Static wraps a fixed configuration in a Provider.
func Static(cfg Config) Provider {
	return func() Config { return cfg }
}
