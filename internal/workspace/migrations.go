// internal/workspace/migrations.go
package workspace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcoda/mcoda/internal/types"
)

// migration is one schema step. IDs increase monotonically and an applied id
// is never re-run. Statements run inside a single transaction per migration.
type migration struct {
	id   int
	name string
	run  func(tx *sql.Tx) error
}

// exec returns a migration step that runs fixed statements.
func exec(stmts ...string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	}
}

var migrations = []migration{
	{id: 1, name: "base_schema", run: exec(
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS epics (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_stories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			epic_id TEXT NOT NULL REFERENCES epics(id),
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			epic_id TEXT NOT NULL REFERENCES epics(id),
			story_id TEXT NOT NULL REFERENCES user_stories(id),
			key TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'not_started',
			priority INTEGER NOT NULL DEFAULT 0,
			story_points INTEGER NOT NULL DEFAULT 0,
			assigned_to TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			from_key TEXT NOT NULL REFERENCES tasks(key),
			to_key TEXT NOT NULL REFERENCES tasks(key),
			PRIMARY KEY (from_key, to_key)
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id TEXT PRIMARY KEY,
			task_key TEXT NOT NULL REFERENCES tasks(key),
			author TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	)},
	{id: 2, name: "command_runs_and_jobs", run: exec(
		`CREATE TABLE IF NOT EXISTS command_runs (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			args TEXT,
			exit_code INTEGER,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			command_run_id TEXT REFERENCES command_runs(id),
			type TEXT NOT NULL,
			command_name TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'queued',
			payload_json TEXT,
			resume_supported INTEGER NOT NULL DEFAULT 0,
			row_version INTEGER NOT NULL DEFAULT 1,
			error_summary TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_id TEXT NOT NULL REFERENCES jobs(id),
			seq INTEGER NOT NULL,
			stage TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			details TEXT,
			PRIMARY KEY (job_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			command_run_id TEXT REFERENCES command_runs(id),
			job_id TEXT REFERENCES jobs(id),
			task_key TEXT NOT NULL,
			step TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			agent_slug TEXT,
			status TEXT NOT NULL,
			decision TEXT,
			outcome TEXT,
			error TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_job ON task_runs(job_id, task_key)`,
	)},
	{id: 3, name: "task_history", run: exec(
		`CREATE TABLE IF NOT EXISTS task_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_key TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			changed_by TEXT,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_key ON task_history(task_key, changed_at)`,
	)},
	{id: 4, name: "task_stage_column", run: func(tx *sql.Tx) error {
		return addColumnIfMissing(tx, "tasks", "stage", "TEXT NOT NULL DEFAULT 'other'")
	}},
}

// migrate runs all pending migrations, recording each applied id and name.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", types.ErrStoreUnavailable, err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("%w: read schema version: %v", types.ErrStoreUnavailable, err)
	}

	// A database ahead of this binary is an invariant violation, not a
	// condition to repair.
	if last := migrations[len(migrations)-1].id; current > last {
		return fmt.Errorf("%w: workspace schema %d is newer than supported %d", types.ErrFatal, current, last)
	}

	for _, m := range migrations {
		if m.id <= current {
			continue
		}
		slog.Info("applying workspace migration", "id", m.id, "name", m.name)
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", types.ErrStoreUnavailable, m.id, err)
		}
		if err := m.run(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.id, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
			m.id, m.name, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", types.ErrStoreUnavailable, m.id, err)
		}
	}
	return nil
}

// addColumnIfMissing makes ALTER TABLE ADD COLUMN idempotent by checking
// column metadata first.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}

	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if exists {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
