// internal/registry/registry.go
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mcoda/mcoda/internal/types"
)

// Registry is the global agent database under $HOME/.mcoda. Agents,
// capabilities, and ratings are global; workspaces never own agents.
// Cross-workspace writers coordinate through a short-lived advisory lock.
type Registry struct {
	db   *sql.DB
	dir  string
	lock *advisoryLock
}

// Open opens (creating if needed) the global registry database.
func Open(path string) (*Registry, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create registry dir: %v", types.ErrStoreUnavailable, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open registry db: %v", types.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	r := &Registry{db: db, dir: dir, lock: newAdvisoryLock(filepath.Join(dir, "registry.lock"))}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the registry connection.
func (r *Registry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		adapter TEXT NOT NULL,
		model TEXT,
		capabilities TEXT,
		rating REAL NOT NULL DEFAULT 5.0,
		reasoning_rating REAL NOT NULL DEFAULT 5.0,
		rating_samples INTEGER NOT NULL DEFAULT 0,
		max_complexity INTEGER NOT NULL DEFAULT 5,
		complexity_updated_at TIMESTAMP,
		cost_per_million REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_run_ratings (
		id TEXT PRIMARY KEY,
		agent_slug TEXT NOT NULL,
		job_id TEXT,
		task_key TEXT,
		complexity INTEGER NOT NULL,
		quality_score REAL NOT NULL,
		run_score REAL NOT NULL,
		total_cost REAL NOT NULL,
		duration_seconds REAL NOT NULL,
		iterations INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_ratings_agent ON agent_run_ratings(agent_slug, created_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: init registry schema: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

const agentColumns = `id, slug, adapter, model, capabilities, rating, reasoning_rating, rating_samples, max_complexity, complexity_updated_at, cost_per_million, created_at, updated_at`

// SaveAgent creates or updates an agent by slug.
func (r *Registry) SaveAgent(a *types.Agent) error {
	if a.Slug == "" {
		return fmt.Errorf("%w: agent slug is required", types.ErrValidation)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.MaxComplexity < 1 {
		a.MaxComplexity = 1
	}
	if a.MaxComplexity > 10 {
		a.MaxComplexity = 10
	}

	return r.withLock(func() error {
		_, err := r.db.Exec(`
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				adapter=excluded.adapter,
				model=excluded.model,
				capabilities=excluded.capabilities,
				rating=excluded.rating,
				reasoning_rating=excluded.reasoning_rating,
				rating_samples=excluded.rating_samples,
				max_complexity=excluded.max_complexity,
				complexity_updated_at=excluded.complexity_updated_at,
				cost_per_million=excluded.cost_per_million,
				updated_at=excluded.updated_at
		`, a.ID, a.Slug, a.Adapter, a.Model, strings.Join(a.Capabilities, ","),
			a.Rating, a.ReasoningRating, a.RatingSamples, a.MaxComplexity,
			nullTime(a.ComplexityUpdatedAt), a.CostPerMillion, a.CreatedAt, a.UpdatedAt)
		return err
	})
}

// GetAgent retrieves an agent by slug.
func (r *Registry) GetAgent(slug string) (*types.Agent, error) {
	row := r.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE slug = ?`, slug)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown agent %q", types.ErrValidation, slug)
	}
	return a, err
}

// ListAgents returns all registered agents ordered by slug.
func (r *Registry) ListAgents() ([]*types.Agent, error) {
	rows, err := r.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// InsertRunRating records one rated run.
func (r *Registry) InsertRunRating(rr *types.AgentRunRating) error {
	if rr.ID == "" {
		rr.ID = uuid.NewString()
	}
	if rr.CreatedAt.IsZero() {
		rr.CreatedAt = time.Now().UTC()
	}
	return r.withLock(func() error {
		_, err := r.db.Exec(`
			INSERT INTO agent_run_ratings (id, agent_slug, job_id, task_key, complexity, quality_score, run_score, total_cost, duration_seconds, iterations, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rr.ID, rr.AgentSlug, rr.JobID, rr.TaskKey, rr.Complexity, rr.QualityScore,
			rr.RunScore, rr.TotalCost, rr.DurationSeconds, rr.Iterations, rr.CreatedAt)
		return err
	})
}

// ListRunRatings returns an agent's rated runs, newest first.
func (r *Registry) ListRunRatings(slug string, limit int) ([]*types.AgentRunRating, error) {
	query := `SELECT id, agent_slug, job_id, task_key, complexity, quality_score, run_score, total_cost, duration_seconds, iterations, created_at
		FROM agent_run_ratings WHERE agent_slug = ? ORDER BY created_at DESC`
	args := []any{slug}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.AgentRunRating
	for rows.Next() {
		var rr types.AgentRunRating
		var jobID, taskKey sql.NullString
		if err := rows.Scan(&rr.ID, &rr.AgentSlug, &jobID, &taskKey, &rr.Complexity,
			&rr.QualityScore, &rr.RunScore, &rr.TotalCost, &rr.DurationSeconds,
			&rr.Iterations, &rr.CreatedAt); err != nil {
			return nil, err
		}
		rr.JobID = jobID.String
		rr.TaskKey = taskKey.String
		out = append(out, &rr)
	}
	return out, rows.Err()
}

// withLock serializes cross-workspace registry writes through the advisory
// lock file.
func (r *Registry) withLock(fn func() error) error {
	if err := r.lock.Acquire(5 * time.Second); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	defer r.lock.Release()
	return fn()
}

func scanAgent(row interface{ Scan(...any) error }) (*types.Agent, error) {
	var a types.Agent
	var model, caps sql.NullString
	var complexityUpdated sql.NullTime

	err := row.Scan(&a.ID, &a.Slug, &a.Adapter, &model, &caps, &a.Rating,
		&a.ReasoningRating, &a.RatingSamples, &a.MaxComplexity, &complexityUpdated,
		&a.CostPerMillion, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.Model = model.String
	if caps.Valid && caps.String != "" {
		a.Capabilities = strings.Split(caps.String, ",")
	}
	if complexityUpdated.Valid {
		a.ComplexityUpdatedAt = complexityUpdated.Time
	}
	return &a, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
