// Package store persists assets, chat snapshots and the chat mutation log
// in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed asset repository and chat store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and runs the schema
// migration. ":memory:" opens a private in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.unavailable("ping", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS assets (
			type          TEXT NOT NULL,
			id            TEXT NOT NULL,
			data          TEXT NOT NULL,
			last_modified TEXT NOT NULL,
			PRIMARY KEY (type, id)
		);

		CREATE TABLE IF NOT EXISTS chats (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			snapshot      TEXT NOT NULL,
			snapshot_seq  INTEGER NOT NULL DEFAULT 0,
			last_seq      INTEGER NOT NULL DEFAULT 0,
			last_modified TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_mutations (
			chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (chat_id, seq)
		);
	`
	_, err := db.Exec(schema)
	return err
}
