// internal/telemetry/ledger.go
package telemetry

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mcoda/mcoda/internal/types"
)

// Exporter forwards usage events to a remote sink. Export must never block
// recording; failures are logged and dropped.
type Exporter interface {
	Export(event *types.TokenUsage) error
	Close()
}

// Ledger is the append-only token-usage store. Events are immutable;
// summaries and paged reads are derived.
type Ledger struct {
	db       *sql.DB
	exporter Exporter
}

// New creates a ledger on the given database handle and initializes its
// schema.
func New(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("%w: init telemetry schema: %v", types.ErrStoreUnavailable, err)
	}
	return l, nil
}

// SetExporter attaches a remote exporter (nil disables export).
func (l *Ledger) SetExporter(e Exporter) {
	l.exporter = e
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS token_usage (
		rowid_ord INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		workspace_id TEXT,
		project_key TEXT,
		agent_slug TEXT,
		job_id TEXT,
		command_run_id TEXT,
		task_key TEXT,
		command TEXT,
		action TEXT,
		invocation_kind TEXT,
		provider TEXT,
		model TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER,
		duration_seconds REAL,
		cost_estimate REAL,
		currency TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_time ON token_usage(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_job ON token_usage(job_id);

	CREATE TABLE IF NOT EXISTS telemetry_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		local_recording INTEGER NOT NULL DEFAULT 1,
		remote_export INTEGER NOT NULL DEFAULT 0,
		opt_out INTEGER NOT NULL DEFAULT 0,
		strict INTEGER NOT NULL DEFAULT 0
	);
	INSERT OR IGNORE INTO telemetry_config (id) VALUES (1);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one usage event. Events are never mutated. Recording
// honors the opt-out/strict toggles; remote export is fire and forget.
func (l *Ledger) Record(event *types.TokenUsage) error {
	cfg, err := l.GetConfig()
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if cfg.LocalRecording {
		_, err := l.db.Exec(`
			INSERT INTO token_usage (id, workspace_id, project_key, agent_slug, job_id, command_run_id, task_key, command, action, invocation_kind, provider, model,
				prompt_tokens, completion_tokens, total_tokens, cached_tokens, cache_read_tokens, cache_write_tokens,
				duration_ms, duration_seconds, cost_estimate, currency, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, event.ID, event.WorkspaceID, event.ProjectKey, event.AgentSlug, event.JobID,
			event.CommandRunID, event.TaskKey, event.Command, event.Action, event.InvocationKind,
			event.Provider, event.Model, event.PromptTokens, event.CompletionTokens,
			event.TotalTokens, event.CachedTokens, event.CacheReadTokens, event.CacheWriteTokens,
			nullInt(event.DurationMs), nullFloat(event.DurationSeconds), event.CostEstimate,
			event.Currency, event.Timestamp)
		if err != nil {
			return fmt.Errorf("%w: record usage: %v", types.ErrStoreUnavailable, err)
		}
	}

	if cfg.RemoteExport && !cfg.OptOut && l.exporter != nil {
		if err := l.exporter.Export(event); err != nil {
			slog.Warn("telemetry export failed", "error", err)
		}
	}
	return nil
}

// Filter narrows usage queries. Zero values match everything.
type Filter struct {
	WorkspaceID string
	ProjectKey  string
	AgentSlug   string
	JobID       string
	TaskKey     string
	Command     string
	Action      string
	Provider    string
	Model       string
	Since       time.Time
	Until       time.Time
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("workspace_id", f.WorkspaceID)
	add("project_key", f.ProjectKey)
	add("agent_slug", f.AgentSlug)
	add("job_id", f.JobID)
	add("task_key", f.TaskKey)
	add("command", f.Command)
	add("action", f.Action)
	add("provider", f.Provider)
	add("model", f.Model)
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// MaxPageSize caps Query pagination.
const MaxPageSize = 1000

// Query returns events matching the filter, ordered by timestamp ascending
// with ties broken by insertion order. Pages are 1-based.
func (l *Ledger) Query(f Filter, page, pageSize int) ([]*types.TokenUsage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page numbering is 1-based, got %d", types.ErrValidation, page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: pageSize must be in [1,%d], got %d", types.ErrValidation, MaxPageSize, pageSize)
	}

	where, args := f.where()
	query := `SELECT id, workspace_id, project_key, agent_slug, job_id, command_run_id, task_key, command, action, invocation_kind, provider, model,
		prompt_tokens, completion_tokens, total_tokens, cached_tokens, cache_read_tokens, cache_write_tokens,
		duration_ms, duration_seconds, cost_estimate, currency, timestamp
		FROM token_usage` + where + ` ORDER BY timestamp, rowid_ord LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TokenUsage
	for rows.Next() {
		var u types.TokenUsage
		var wsID, project, agent, jobID, crID, taskKey, command, action, kind, provider, model, currency sql.NullString
		var durMs sql.NullInt64
		var durSec, cost sql.NullFloat64
		if err := rows.Scan(&u.ID, &wsID, &project, &agent, &jobID, &crID, &taskKey,
			&command, &action, &kind, &provider, &model,
			&u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.CachedTokens,
			&u.CacheReadTokens, &u.CacheWriteTokens, &durMs, &durSec, &cost,
			&currency, &u.Timestamp); err != nil {
			return nil, err
		}
		u.WorkspaceID = wsID.String
		u.ProjectKey = project.String
		u.AgentSlug = agent.String
		u.JobID = jobID.String
		u.CommandRunID = crID.String
		u.TaskKey = taskKey.String
		u.Command = command.String
		u.Action = action.String
		u.InvocationKind = kind.String
		u.Provider = provider.String
		u.Model = model.String
		u.Currency = currency.String
		u.DurationMs = durMs.Int64
		u.DurationSeconds = durSec.Float64
		if cost.Valid {
			c := cost.Float64
			u.CostEstimate = &c
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
