// Package sqlite is the persistence module. It opens a SQLite database
// with the pure Go modernc.org/sqlite driver on load and shares the
// *sql.DB with other modules as the "sqlite.db" service.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/modcore"
)

// Name is the module name.
const Name = "sqlite"

// ServiceName is the name the *sql.DB is registered under.
const ServiceName = "sqlite.db"

// DefaultPath is used when no path is configured.
const DefaultPath = "data/server.db"

const memoryPath = ":memory:"

// Settings is the module configuration.
type Settings struct {
	Path        string `yaml:"path"`
	BusyTimeout int    `yaml:"busyTimeoutMs"`
}

// Module is the sqlite module.
type Module struct {
	modcore.ModuleBase

	host     modcore.Host
	logger   modcore.Logger
	settings Settings
	db       *sql.DB
}

var _ modcore.Module = (*Module)(nil)

// Registration returns the catalog entry for the module.
func Registration() modcore.Registration {
	return modcore.Registration{
		Descriptor: modcore.Descriptor{
			Name:        Name,
			Version:     "1.0.0",
			Description: "Handles SQLite database operations",
			Author:      "modcore",
		},
		Factory: New,
	}
}

// New is the module factory.
func New(host modcore.Host) (modcore.Module, error) {
	return &Module{host: host, logger: host.Logger()}, nil
}

// Load opens the database and registers it as a service.
func (m *Module) Load(ctx context.Context) error {
	m.settings = Settings{Path: DefaultPath, BusyTimeout: 5000}
	if err := m.host.DecodeConfig(&m.settings); err != nil {
		return err
	}

	db, err := Open(ctx, m.settings.Path, m.settings.BusyTimeout)
	if err != nil {
		return err
	}
	if err := m.host.RegisterService(ServiceName, db); err != nil {
		_ = db.Close()
		return err
	}
	m.db = db
	m.logger.Info("SQLite database opened", "path", m.settings.Path)
	return nil
}

// Unload closes the database.
func (m *Module) Unload(context.Context) error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return fmt.Errorf("sqlite: closing database: %w", err)
	}
	m.logger.Info("SQLite database closed", "path", m.settings.Path)
	return nil
}

// Open opens and pings a SQLite database with foreign keys enforced. The
// parent directory is created when missing. An in-memory database is
// limited to one connection so every query sees the same data.
func Open(ctx context.Context, path string, busyTimeoutMs int) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}

	if path != memoryPath {
		path = filepath.Clean(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMs)
	if path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}
