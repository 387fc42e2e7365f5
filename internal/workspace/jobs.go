// internal/workspace/jobs.go
package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcoda/mcoda/internal/types"
)

const jobColumns = `id, command_run_id, type, command_name, state, payload_json, resume_supported, row_version, error_summary, created_at, updated_at, started_at, finished_at`

// InsertJob writes a new job row.
func (s *Store) InsertJob(j *types.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.State == "" {
		j.State = types.JobQueued
	}
	if j.RowVersion == 0 {
		j.RowVersion = 1
	}
	payload, _ := json.Marshal(j.Payload)

	_, err := s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, nullable(j.CommandRunID), j.Type, j.CommandName, j.State, string(payload),
		j.ResumeSupported, j.RowVersion, nullable(j.ErrorSummary),
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt)
	return err
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (*types.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown job %q", types.ErrValidation, id)
	}
	return j, err
}

// ListJobs returns jobs, newest first. An empty state filter matches all.
func (s *Store) ListJobs(states []types.JobState, limit int) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + placeholders(len(states)) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job to a new state, bumping row_version. The
// transition is validated against the job state machine unless force is set
// (force is used only by cancel --force for auditing terminal jobs).
func (s *Store) TransitionJob(id string, to types.JobState, errorSummary string, force bool) (*types.Job, error) {
	j, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !force && !types.CanTransitionJob(j.State, to) {
		return nil, fmt.Errorf("%w: job %s cannot move %s -> %s", types.ErrValidation, id, j.State, to)
	}

	now := time.Now().UTC()
	j.State = to
	j.UpdatedAt = now
	j.RowVersion++
	if errorSummary != "" {
		j.ErrorSummary = errorSummary
	}
	if to == types.JobRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if types.IsTerminalJobState(to) {
		j.FinishedAt = &now
	}

	err = s.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET state = ?, error_summary = ?, row_version = ?, updated_at = ?, started_at = ?, finished_at = ?
			WHERE id = ? AND row_version = ?
		`, j.State, nullable(j.ErrorSummary), j.RowVersion, j.UpdatedAt, j.StartedAt, j.FinishedAt, id, j.RowVersion-1)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s modified concurrently", types.ErrStoreUnavailable, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// AppendCheckpoint mirrors one checkpoint entry into the database. seq must
// be the next sequence number for the job.
func (s *Store) AppendCheckpoint(jobID string, seq int, cp types.Checkpoint) error {
	details, _ := json.Marshal(cp.Details)
	_, err := s.db.Exec(`
		INSERT INTO job_checkpoints (job_id, seq, stage, timestamp, details) VALUES (?, ?, ?, ?, ?)
	`, jobID, seq, cp.Stage, cp.Timestamp, string(details))
	return err
}

// ListCheckpoints returns a job's checkpoints in order.
func (s *Store) ListCheckpoints(jobID string) ([]types.Checkpoint, error) {
	rows, err := s.db.Query(`
		SELECT stage, timestamp, details FROM job_checkpoints WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		var details sql.NullString
		if err := rows.Scan(&cp.Stage, &cp.Timestamp, &details); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &cp.Details)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// InsertCommandRun records a CLI invocation.
func (s *Store) InsertCommandRun(cr *types.CommandRun) error {
	if cr.ID == "" {
		cr.ID = uuid.NewString()
	}
	if cr.StartedAt.IsZero() {
		cr.StartedAt = time.Now().UTC()
	}
	args, _ := json.Marshal(cr.Args)
	_, err := s.db.Exec(`
		INSERT INTO command_runs (id, command, args, started_at) VALUES (?, ?, ?, ?)
	`, cr.ID, cr.Command, string(args), cr.StartedAt)
	return err
}

// FinishCommandRun records the exit code and finish time.
func (s *Store) FinishCommandRun(id string, exitCode int) error {
	_, err := s.db.Exec(`
		UPDATE command_runs SET exit_code = ?, finished_at = ? WHERE id = ?
	`, exitCode, time.Now().UTC(), id)
	return err
}

// InsertTaskRun records one (task, step, attempt) execution.
func (s *Store) InsertTaskRun(tr *types.TaskRun) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.StartedAt.IsZero() {
		tr.StartedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO task_runs (id, command_run_id, job_id, task_key, step, attempt, agent_slug, status, decision, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, nullable(tr.CommandRunID), nullable(tr.JobID), tr.TaskKey, string(tr.Step),
		tr.Attempt, nullable(tr.AgentSlug), string(tr.Status), nullable(tr.Decision),
		nullable(tr.Outcome), nullable(tr.Error), tr.StartedAt, tr.FinishedAt)
	return err
}

// ListTaskRuns returns a job's task runs in execution order.
func (s *Store) ListTaskRuns(jobID string) ([]*types.TaskRun, error) {
	rows, err := s.db.Query(`
		SELECT id, command_run_id, job_id, task_key, step, attempt, agent_slug, status, decision, outcome, error, started_at, finished_at
		FROM task_runs WHERE job_id = ? ORDER BY started_at, id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.TaskRun
	for rows.Next() {
		var tr types.TaskRun
		var crID, jID, agent, decision, outcome, errMsg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&tr.ID, &crID, &jID, &tr.TaskKey, &tr.Step, &tr.Attempt,
			&agent, &tr.Status, &decision, &outcome, &errMsg, &tr.StartedAt, &finished); err != nil {
			return nil, err
		}
		tr.CommandRunID = crID.String
		tr.JobID = jID.String
		tr.AgentSlug = agent.String
		tr.Decision = decision.String
		tr.Outcome = outcome.String
		tr.Error = errMsg.String
		if finished.Valid {
			tr.FinishedAt = &finished.Time
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*types.Job, error) {
	var j types.Job
	var crID, payload, errSummary sql.NullString
	var started, finished sql.NullTime

	err := row.Scan(&j.ID, &crID, &j.Type, &j.CommandName, &j.State, &payload,
		&j.ResumeSupported, &j.RowVersion, &errSummary, &j.CreatedAt, &j.UpdatedAt,
		&started, &finished)
	if err != nil {
		return nil, err
	}

	j.CommandRunID = crID.String
	j.ErrorSummary = errSummary.String
	if payload.Valid && payload.String != "" {
		json.Unmarshal([]byte(payload.String), &j.Payload)
	}
	if started.Valid {
		j.StartedAt = &started.Time
	}
	if finished.Valid {
		j.FinishedAt = &finished.Time
	}
	return &j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
