// Package database provides the SQLite connection helpers shared by the
// event log and the scheduler views.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"skywatch/pkg/logging"
)

// SQLiteConn represents a SQLite database handle
type SQLiteConn = *sql.DB

// ErrNoRows is returned when a query returns no rows
var ErrNoRows = sql.ErrNoRows

// Config holds database configuration
type Config struct {
	// Path is the database file on disk.
	Path string

	// ReadOnly opens the file without write access. Used for databases
	// owned by another process, such as the scheduler's.
	ReadOnly bool

	BusyTimeout time.Duration
}

// DefaultConfig returns default database configuration
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

// Connect opens a SQLite database with the given configuration
func Connect(cfg Config, logger logging.Logger) (SQLiteConn, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		url.PathEscape(cfg.Path), cfg.BusyTimeout.Milliseconds())
	if cfg.ReadOnly {
		dsn += "&mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; keep the pool to one connection so
	// transactions never contend with each other in-process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logging.Fields{
		"path":      cfg.Path,
		"read_only": cfg.ReadOnly,
	}).Info("Database connected")

	return db, nil
}
