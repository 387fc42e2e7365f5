// internal/workspace/db.go
package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mcoda/mcoda/internal/types"
)

// Store is the workspace-scoped persistence layer. One Store per workspace;
// all multi-statement writes go through Tx. The connection is opened in
// durable-write mode (WAL + foreign keys) and limited to a single writer.
type Store struct {
	db   *sql.DB
	path string
}

// Meta is the workspace.json document next to the database.
type Meta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Open opens (creating if needed) the workspace database at path and runs
// all pending migrations. Open failures classify as StoreUnavailable.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create workspace dir: %v", types.ErrStoreUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open workspace db: %v", types.ErrStoreUnavailable, err)
	}

	// Single writer per workspace; SQLite serializes anyway, this keeps
	// database/sql from queueing writers behind each other's locks.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for read-only queries by other services.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx runs fn inside BEGIN/COMMIT, rolling back on error. Locked-database
// errors are retried with constant backoff before surfacing as
// StoreUnavailable.
func (s *Store) Tx(fn func(tx *sql.Tx) error) error {
	op := func() error {
		tx, err := s.db.Begin()
		if err != nil {
			// Transient: locked database, retried by the policy
			return fmt.Errorf("%w: begin: %v", types.ErrStoreUnavailable, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			// Caller errors are not retryable
			return backoff.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit: %v", types.ErrStoreUnavailable, err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 5)
	return backoff.Retry(op, policy)
}

// EnsureMeta loads or bootstraps workspace.json beside the database.
func EnsureMeta(workspaceDir, name string) (*Meta, error) {
	path := filepath.Join(workspaceDir, "workspace.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parse workspace.json: %w", err)
		}
		return &meta, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	meta := &Meta{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return nil, err
	}
	return meta, nil
}
