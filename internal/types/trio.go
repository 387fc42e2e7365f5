// internal/types/trio.go
package types

// TrioSchemaVersion is the current TrioState schema version.
const TrioSchemaVersion = 1

// TrioStep identifies one stage of the work/review/qa ladder.
type TrioStep string

const (
	StepWork   TrioStep = "work"
	StepReview TrioStep = "review"
	StepQA     TrioStep = "qa"
)

// ProgressStatus is the per-task status tracked inside a trio job.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressCompleted ProgressStatus = "completed"
	ProgressBlocked   ProgressStatus = "blocked"
	ProgressFailed    ProgressStatus = "failed"
	ProgressSkipped   ProgressStatus = "skipped"
)

// IsTerminalProgress reports whether a task has finished progressing for
// this job.
func IsTerminalProgress(s ProgressStatus) bool {
	return s == ProgressCompleted || s == ProgressBlocked || s == ProgressFailed || s == ProgressSkipped
}

// StepOutcome classifies the result of executing one trio step.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "succeeded"
	OutcomeFailed    StepOutcome = "failed" // retryable
	OutcomeBlocked   StepOutcome = "blocked"
	OutcomeSkipped   StepOutcome = "skipped"
)

// ChosenAgents records which agent handled each step of a task.
type ChosenAgents struct {
	Work   string `json:"work,omitempty"`
	Review string `json:"review,omitempty"`
	QA     string `json:"qa,omitempty"`
}

// TaskProgress tracks a single task's progression through the trio.
type TaskProgress struct {
	TaskKey      string         `json:"taskKey"`
	Attempts     int            `json:"attempts"`
	Status       ProgressStatus `json:"status"`
	LastStep     TrioStep       `json:"lastStep,omitempty"`
	LastDecision string         `json:"lastDecision,omitempty"`
	LastOutcome  string         `json:"lastOutcome,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	ChosenAgents ChosenAgents   `json:"chosenAgents"`
}

// TrioState is the per-job durable object recording each task's progression.
// Written exclusively by the trio engine for its job.
type TrioState struct {
	SchemaVersion int                      `json:"schema_version"`
	JobID         string                   `json:"job_id"`
	CommandRunID  string                   `json:"command_run_id,omitempty"`
	Cycle         int                      `json:"cycle"`
	Tasks         map[string]*TaskProgress `json:"tasks"`
}

// NewTrioState creates an empty state for a job.
func NewTrioState(jobID, commandRunID string) *TrioState {
	return &TrioState{
		SchemaVersion: TrioSchemaVersion,
		JobID:         jobID,
		CommandRunID:  commandRunID,
		Tasks:         make(map[string]*TaskProgress),
	}
}

// Progress returns the progress record for a task, creating it on first use.
func (s *TrioState) Progress(taskKey string) *TaskProgress {
	if p, ok := s.Tasks[taskKey]; ok {
		return p
	}
	p := &TaskProgress{TaskKey: taskKey, Status: ProgressPending}
	s.Tasks[taskKey] = p
	return p
}

// AllTerminal reports whether every tracked task has finished.
func (s *TrioState) AllTerminal() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, p := range s.Tasks {
		if !IsTerminalProgress(p.Status) {
			return false
		}
	}
	return true
}

// AllCompleted reports whether every tracked task completed successfully.
func (s *TrioState) AllCompleted() bool {
	if len(s.Tasks) == 0 {
		return false
	}
	for _, p := range s.Tasks {
		if p.Status != ProgressCompleted {
			return false
		}
	}
	return true
}
