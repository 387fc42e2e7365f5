// internal/types/job.go
package types

import (
	"time"
)

// JobState represents the lifecycle state of a durable job
type JobState string

const (
	JobQueued        JobState = "queued"
	JobRunning       JobState = "running"
	JobCheckpointing JobState = "checkpointing"
	JobPaused        JobState = "paused"
	JobCompleted     JobState = "completed"
	JobPartial       JobState = "partial"
	JobFailed        JobState = "failed"
	JobCancelled     JobState = "cancelled"
)

// jobTransitions defines the legal job state machine.
var jobTransitions = map[JobState][]JobState{
	JobQueued:        {JobRunning, JobCancelled},
	JobRunning:       {JobCheckpointing, JobPaused, JobCompleted, JobPartial, JobFailed, JobCancelled},
	JobCheckpointing: {JobRunning, JobCancelled, JobFailed},
	JobPaused:        {JobRunning, JobCancelled},
	JobCompleted:     {},
	JobPartial:       {},
	JobFailed:        {},
	JobCancelled:     {},
}

// CanTransitionJob reports whether from -> to is a legal job transition.
func CanTransitionJob(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValidJobState reports whether s names a known job state.
func IsValidJobState(s JobState) bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsTerminalJobState reports whether a job state is final.
func IsTerminalJobState(s JobState) bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// IsCancelableJobState reports whether a job may be cancelled without force.
func IsCancelableJobState(s JobState) bool {
	switch s {
	case JobQueued, JobRunning, JobCheckpointing, JobPaused:
		return true
	}
	return false
}

// IsResumableJobState reports whether a job state permits resume
// (resume_supported must also hold).
func IsResumableJobState(s JobState) bool {
	switch s {
	case JobPaused, JobFailed, JobPartial:
		return true
	}
	return false
}

// Job is the durable record of one orchestrated run.
// RowVersion increases monotonically on every mutation.
type Job struct {
	ID              string         `json:"id"`
	CommandRunID    string         `json:"command_run_id,omitempty"`
	Type            string         `json:"type"`
	CommandName     string         `json:"command_name"`
	State           JobState       `json:"state"`
	Payload         map[string]any `json:"payload_json,omitempty"`
	ResumeSupported bool           `json:"resume_supported"`
	RowVersion      int64          `json:"row_version"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

// Checkpoint is one entry in a job's append-only checkpoint log.
// Stage follows the "task:<key>:<step>" convention, plus "completed".
type Checkpoint struct {
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// JobManifest identifies a job's artifact directory and guards resume.
type JobManifest struct {
	JobID       string    `json:"job_id"`
	Type        string    `json:"type"`
	CommandName string    `json:"commandName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CommandRun records one CLI invocation. It owns task runs, token usage
// events, and the job it launched.
type CommandRun struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	Args       []string   `json:"args,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskRunStatus is the outcome of one (task, step, attempt).
type TaskRunStatus string

const (
	TaskRunSucceeded TaskRunStatus = "succeeded"
	TaskRunFailed    TaskRunStatus = "failed"
	TaskRunBlocked   TaskRunStatus = "blocked"
	TaskRunSkipped   TaskRunStatus = "skipped"
)

// TaskRun is one execution of a trio step against a task.
type TaskRun struct {
	ID           string        `json:"id"`
	CommandRunID string        `json:"command_run_id,omitempty"`
	JobID        string        `json:"job_id,omitempty"`
	TaskKey      string        `json:"task_key"`
	Step         TrioStep      `json:"step"`
	Attempt      int           `json:"attempt"`
	AgentSlug    string        `json:"agent_slug,omitempty"`
	Status       TaskRunStatus `json:"status"`
	Decision     string        `json:"decision,omitempty"`
	Outcome      string        `json:"outcome,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}
