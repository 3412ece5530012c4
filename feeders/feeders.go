// Package feeders provides configuration feeders that populate a struct from
// YAML, TOML and JSON files, .env files and prefixed environment variables.
// Feeders are applied in order, so later feeders override earlier ones.
package feeders

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

// Feeder populates a configuration structure.
type Feeder = config.Feeder

// File feeders
type (
	YamlFeeder   = feeder.Yaml
	TomlFeeder   = feeder.Toml
	JSONFeeder   = feeder.Json
	DotEnvFeeder = feeder.DotEnv
)

// ForFile picks a file feeder by extension.
func ForFile(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YamlFeeder{Path: path}, nil
	case ".toml":
		return TomlFeeder{Path: path}, nil
	case ".json":
		return JSONFeeder{Path: path}, nil
	case ".env":
		return DotEnvFeeder{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Feed applies the feeders to target in order.
func Feed(target any, feeders ...Feeder) error {
	builder := config.New()
	for _, f := range feeders {
		builder.AddFeeder(f)
	}
	builder.AddStruct(target)
	if err := builder.Feed(); err != nil {
		return fmt.Errorf("%w: %w", ErrFeed, err)
	}
	return nil
}
