// Package store provides Orca's single-writer, crash-safe persistence
// layer: tasks, invocations, and budget events in an embedded sqlite
// database with WAL journaling and foreign-key enforcement.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/emily-flambe/orca/internal/filelock"
)

//go:embed schema.sql
var schemaSQL string

// Store is the single writer for Orca's relational state. All mutating
// operations take s.mu so writes never interleave, matching the "Store is
// the single writer" ownership rule; readers use the same lock to observe
// a consistent snapshot rather than adding a separate RWMutex fast path,
// since Orca's write volume (one row per phase transition) is far lower
// than a typical OLTP workload.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates (if necessary) and opens the database at dbPath, applying
// all pending migrations under a cross-process file lock so two orca
// processes pointed at the same path never race the schema upgrade.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // serialize at the driver too; sqlite has one writer

	s := &Store{db: db, dbPath: dbPath}

	if dbPath != ":memory:" {
		lock := filelock.NewFileLock(dbPath + ".migration.lock")
		if err := lock.Lock(); err != nil {
			db.Close()
			return nil, fmt.Errorf("acquire migration lock: %w", err)
		}
		defer lock.Unlock()
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply base schema: %w", err)
	}
	if err := s.applyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers (e.g. the API layer's
// health check) that only need read access and don't want to route through
// Store's mutex for a simple ping.
func (s *Store) DB() *sql.DB {
	return s.db
}
