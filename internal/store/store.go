// Package store persists ManagedWorktree and ConversationSession metadata
// independent of the Project/Task Registries' JSON snapshots, via a small
// SQL-backed store (sqlite by default, postgres optional).
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" sql driver

	"github.com/taskforge/taskforge/internal/config"
)

// Store wraps a sqlx.DB holding both the worktrees and sessions tables.
type Store struct {
	db *sqlx.DB
}

// Open connects to and migrates the metadata store described by cfg.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "postgres":
		driverName, dsn = "pgx", cfg.DSN
	case "sqlite", "":
		driverName, dsn = "sqlite3", cfg.Path
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS worktrees (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL UNIQUE,
			project_directory  TEXT NOT NULL,
			worktree_directory TEXT NOT NULL,
			branch             TEXT NOT NULL,
			name               TEXT NOT NULL,
			default_branch     TEXT NOT NULL,
			created_at         TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conversation_sessions (
			session_id         TEXT PRIMARY KEY,
			project_id         TEXT NOT NULL,
			task_id            TEXT NOT NULL,
			worktree_directory TEXT NOT NULL,
			title              TEXT,
			model_provider_id  TEXT,
			model_id           TEXT,
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL,
			last_message_at    TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}
