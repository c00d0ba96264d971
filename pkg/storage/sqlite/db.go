// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the keyloom storage interfaces on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/keyloom/keyloom/pkg/logger"
)

// Config holds database configuration.
type Config struct {
	// Path is the database file. The special value ":memory:" opens an
	// in-memory database; tests use it.
	Path string
}

// DB wraps the SQLite connection shared by the stores.
type DB struct {
	db *sql.DB
}

// Open opens the database, applies the connection pragmas, and runs any
// pending migrations.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer. One connection serializes transactions
	// and avoids SQLITE_BUSY storms under concurrent requests.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debugw("database opened", "path", cfg.Path)
	return &DB{db: db}, nil
}

// DB returns the underlying connection for the stores.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}
