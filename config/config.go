// Package config defines the server configuration snapshot: server and
// event bus settings, the ordered module list with per-module dependencies
// and flags, an optional shutdown order override and cron schedules.
//
// The snapshot is read once at startup. Changes on disk are surfaced by the
// Watcher as "config.changed" events; a loaded ServerConfig is never
// mutated in place.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modcore/eventbus"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "MODCORE"

// Defaults
const (
	DefaultServerName       = "modcore"
	DefaultLifecycleTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultAdminAddress     = "127.0.0.1:8089"
	DefaultStatsdInterval   = 10 * time.Second
	DefaultWatchDebounce    = 250 * time.Millisecond
	DefaultMetricsNamespace = "modcore"
)

// ServerConfig is the complete server configuration.
type ServerConfig struct {
	Server  ServerSettings  `yaml:"server" toml:"server" json:"server"`
	Events  EventSettings   `yaml:"events" toml:"events" json:"events"`
	Logging LoggingSettings `yaml:"logging" toml:"logging" json:"logging"`
	Admin   AdminSettings   `yaml:"admin" toml:"admin" json:"admin"`
	Metrics MetricsSettings `yaml:"metrics" toml:"metrics" json:"metrics"`
	Watch   WatchSettings   `yaml:"watch" toml:"watch" json:"watch"`

	// Modules lists the modules to run. List order is the registration
	// order used to break ties between unrelated modules.
	Modules []ModuleConfig `yaml:"modules" toml:"modules" json:"modules"`

	// ShutdownOrder optionally overrides the reverse load order. It must
	// name every module and keep dependents ahead of their dependencies.
	ShutdownOrder []string `yaml:"shutdownOrder" toml:"shutdownOrder" json:"shutdownOrder" env:"SHUTDOWN_ORDER"`

	Schedules []ScheduleConfig `yaml:"schedules" toml:"schedules" json:"schedules"`
}

// ServerSettings holds process-wide settings.
type ServerSettings struct {
	Name             string   `yaml:"name" toml:"name" json:"name" env:"SERVER_NAME"`
	LifecycleTimeout Duration `yaml:"lifecycleTimeout" toml:"lifecycleTimeout" json:"lifecycleTimeout" env:"LIFECYCLE_TIMEOUT"`
	ShutdownTimeout  Duration `yaml:"shutdownTimeout" toml:"shutdownTimeout" json:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`
	// TickRate publishes server.tick at this interval when positive.
	TickRate Duration `yaml:"tickRate" toml:"tickRate" json:"tickRate" env:"TICK_RATE"`
}

// EventSettings configures the event bus.
type EventSettings struct {
	HistorySize    int      `yaml:"historySize" toml:"historySize" json:"historySize" env:"EVENT_HISTORY_SIZE"`
	HandlerTimeout Duration `yaml:"handlerTimeout" toml:"handlerTimeout" json:"handlerTimeout" env:"EVENT_HANDLER_TIMEOUT"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" json:"format" env:"LOG_FORMAT"`
}

// AdminSettings configures the REST admin boundary.
type AdminSettings struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"ADMIN_ENABLED"`
	Address string `yaml:"address" toml:"address" json:"address" env:"ADMIN_ADDRESS"`
}

// MetricsSettings configures metrics export.
type MetricsSettings struct {
	Prometheus     bool     `yaml:"prometheus" toml:"prometheus" json:"prometheus" env:"METRICS_PROMETHEUS"`
	Namespace      string   `yaml:"namespace" toml:"namespace" json:"namespace" env:"METRICS_NAMESPACE"`
	StatsdAddress  string   `yaml:"statsdAddress" toml:"statsdAddress" json:"statsdAddress" env:"STATSD_ADDRESS"`
	StatsdInterval Duration `yaml:"statsdInterval" toml:"statsdInterval" json:"statsdInterval" env:"STATSD_INTERVAL"`
}

// WatchSettings configures the config file watcher.
type WatchSettings struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled" json:"enabled" env:"WATCH_ENABLED"`
	Debounce Duration `yaml:"debounce" toml:"debounce" json:"debounce" env:"WATCH_DEBOUNCE"`
}

// ModuleConfig is the per-module configuration entry.
type ModuleConfig struct {
	Name string `yaml:"name" toml:"name" json:"name"`

	// Dependencies, when non-empty, replace the module's registered default
	// dependencies.
	Dependencies []string `yaml:"dependencies" toml:"dependencies" json:"dependencies"`

	// Enabled marks the module for enabling after load. Defaults to true.
	Enabled *bool `yaml:"enabled" toml:"enabled" json:"enabled"`

	// AutoLoad marks the module for loading at startup. Defaults to true.
	AutoLoad *bool `yaml:"autoLoad" toml:"autoLoad" json:"autoLoad"`

	// Config is the module's own settings, decoded by the module.
	Config map[string]any `yaml:"config" toml:"config" json:"config"`
}

// IsEnabled reports whether the module should be enabled after load.
func (m ModuleConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// IsAutoLoad reports whether the module loads at startup.
func (m ModuleConfig) IsAutoLoad() bool { return m.AutoLoad == nil || *m.AutoLoad }

// ScheduleConfig publishes Event on a cron schedule.
type ScheduleConfig struct {
	Event    string            `yaml:"event" toml:"event" json:"event"`
	Spec     string            `yaml:"spec" toml:"spec" json:"spec"`
	Priority eventbus.Priority `yaml:"priority" toml:"priority" json:"priority"`
	Payload  map[string]any    `yaml:"payload" toml:"payload" json:"payload"`
}

// Default returns a configuration with every default applied and no modules.
func Default() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued settings with their defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = DefaultServerName
	}
	if c.Server.LifecycleTimeout == 0 {
		c.Server.LifecycleTimeout = Duration(DefaultLifecycleTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Events.HistorySize == 0 {
		c.Events.HistorySize = eventbus.DefaultHistorySize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Admin.Address == "" {
		c.Admin.Address = DefaultAdminAddress
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}
	if c.Metrics.StatsdInterval == 0 {
		c.Metrics.StatsdInterval = Duration(DefaultStatsdInterval)
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = Duration(DefaultWatchDebounce)
	}
}

// Validate checks the configuration and returns every problem found,
// wrapped in ErrConfigValidationFailed.
func (c *ServerConfig) Validate() error {
	var problems []string
	add := func(err error, detail string) {
		problems = append(problems, fmt.Sprintf("%v: %s", err, detail))
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		switch {
		case m.Name == "":
			add(ErrModuleNameEmpty, fmt.Sprintf("modules[%d]", i))
		case seen[m.Name]:
			add(ErrDuplicateModuleConfig, m.Name)
		}
		seen[m.Name] = true
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		add(ErrInvalidLogLevel, c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		add(ErrInvalidLogFormat, c.Logging.Format)
	}
	if c.Admin.Enabled && c.Admin.Address == "" {
		add(ErrAdminAddressEmpty, "admin.address")
	}
	if c.Events.HistorySize < 0 {
		add(ErrNegativeValue, "events.historySize")
	}
	for name, d := range map[string]Duration{
		"server.lifecycleTimeout": c.Server.LifecycleTimeout,
		"server.shutdownTimeout":  c.Server.ShutdownTimeout,
		"server.tickRate":         c.Server.TickRate,
		"events.handlerTimeout":   c.Events.HandlerTimeout,
	} {
		if d < 0 {
			add(ErrNegativeValue, name)
		}
	}
	for i, s := range c.Schedules {
		if s.Event == "" || s.Spec == "" {
			add(ErrScheduleInvalid, fmt.Sprintf("schedules[%d] needs event and spec", i))
			continue
		}
		if _, err := cron.ParseStandard(s.Spec); err != nil {
			add(ErrScheduleInvalid, fmt.Sprintf("schedules[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigValidationFailed, strings.Join(problems, "; "))
	}
	return nil
}

// Module returns the entry for name.
func (c *ServerConfig) Module(name string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, level)
	}
	return l, nil
}
