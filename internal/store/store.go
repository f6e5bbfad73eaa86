// Package store handles SQLite persistence of session snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"speakdrill/internal/ports"

	_ "modernc.org/sqlite" // SQLite driver.
)

// Store is a durable keyed store for in-progress session snapshots. One
// row per session key; saves are last-write-wins.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			session_key TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_snapshots_attempt ON session_snapshots(attempt_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func keyString(key ports.SnapshotKey) string {
	return fmt.Sprintf("%s:%s:%s", key.ExamType, key.TargetID, key.UserID)
}

// Save upserts the snapshot for its key. Called synchronously after every
// runtime-state or index mutation.
func (s *Store) Save(ctx context.Context, snap ports.Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_key, attempt_id, payload, saved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_key) DO UPDATE SET
			attempt_id = excluded.attempt_id,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		keyString(snap.Key),
		snap.AttemptID,
		string(payload),
		snap.SavedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for the key, or nil when none exists.
func (s *Store) Load(ctx context.Context, key ports.SnapshotKey) (*ports.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM session_snapshots WHERE session_key = ?`,
		keyString(key),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap ports.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Clear removes the snapshot for the key. Removing an absent key is not
// an error.
func (s *Store) Clear(ctx context.Context, key ports.SnapshotKey) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_snapshots WHERE session_key = ?`,
		keyString(key),
	); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
