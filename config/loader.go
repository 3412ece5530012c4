package config

import (
	"fmt"

	"github.com/GoCodeAlone/modcore/feeders"
)

// LoadOption customizes Load.
type LoadOption func(*loader)

type loader struct {
	envPrefix string
	dotEnv    string
}

// WithEnvPrefix changes the environment override prefix.
func WithEnvPrefix(prefix string) LoadOption {
	return func(l *loader) { l.envPrefix = prefix }
}

// WithDotEnv feeds a .env file after the main file. Its keys are the
// unprefixed env tag names, e.g. LOG_LEVEL.
func WithDotEnv(path string) LoadOption {
	return func(l *loader) { l.dotEnv = path }
}

// Load reads the configuration file at path (YAML, TOML or JSON, chosen by
// extension), applies environment overrides, fills defaults and validates.
// An empty path yields the defaults plus environment overrides.
func Load(path string, opts ...LoadOption) (*ServerConfig, error) {
	l := &loader{envPrefix: EnvPrefix}
	for _, opt := range opts {
		opt(l)
	}

	var sources []feeders.Feeder
	if path != "" {
		file, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, file)
	}
	if l.dotEnv != "" {
		sources = append(sources, feeders.DotEnvFeeder{Path: l.dotEnv})
	}
	sources = append(sources, feeders.NewEnvFeeder(l.envPrefix))

	cfg := &ServerConfig{}
	if err := feeders.Feed(cfg, sources...); err != nil {
		return nil, fmt.Errorf("loading %s: %w", displayPath(path), err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return "environment"
	}
	return path
}
