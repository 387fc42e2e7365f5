// internal/types/task.go
package types

import (
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	StatusNotStarted    TaskStatus = "not_started"
	StatusInProgress    TaskStatus = "in_progress"
	StatusReadyToReview TaskStatus = "ready_to_review"
	StatusReadyToQA     TaskStatus = "ready_to_qa"
	StatusCompleted     TaskStatus = "completed"
	StatusBlocked       TaskStatus = "blocked"
	StatusCancelled     TaskStatus = "cancelled"
	StatusFailed        TaskStatus = "failed"
)

// DefaultSelectableStatuses are the statuses the selector considers when no
// explicit status filter is given.
var DefaultSelectableStatuses = []TaskStatus{
	StatusNotStarted, StatusInProgress, StatusReadyToReview, StatusReadyToQA,
}

// validTransitions defines allowed status transitions in the normal flow.
// The downgrade ready_to_qa -> in_progress is reserved for the trio engine
// retry path and is applied with force there.
var validTransitions = map[TaskStatus][]TaskStatus{
	StatusNotStarted:    {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress:    {StatusReadyToReview, StatusBlocked, StatusCancelled, StatusFailed},
	StatusReadyToReview: {StatusReadyToQA, StatusInProgress, StatusBlocked, StatusCancelled, StatusFailed},
	StatusReadyToQA:     {StatusCompleted, StatusInProgress, StatusBlocked, StatusCancelled, StatusFailed},
	StatusBlocked:       {StatusNotStarted, StatusInProgress, StatusCancelled},
	StatusCompleted:     {},
	StatusCancelled:     {},
	StatusFailed:        {},
}

// IsTerminalStatus reports whether a task status is final.
func IsTerminalStatus(s TaskStatus) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Project is the top of the workspace hierarchy. Keys are unique per workspace.
type Project struct {
	ID          string         `json:"id"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Epic groups user stories under a project
type Epic struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserStory groups tasks under an epic
type UserStory struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	EpicID      string    `json:"epic_id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is a unit of work driven through the work/review/qa trio.
// Key is globally unique within the workspace.
type Task struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	EpicID      string         `json:"epic_id"`
	StoryID     string         `json:"story_id"`
	Key         string         `json:"key"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"` // higher = more urgent
	StoryPoints int            `json:"story_points,omitempty"`
	Stage       string         `json:"stage,omitempty"` // foundation, backend, frontend, other
	AssignedTo  string         `json:"assigned_to,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// TaskDependency is a directed edge from a task to one of its prerequisites.
type TaskDependency struct {
	FromKey string `json:"from_key"` // dependent task
	ToKey   string `json:"to_key"`   // prerequisite
}

// Comment is a free-form note attached to a task
type Comment struct {
	ID        string    `json:"id"`
	TaskKey   string    `json:"task_key"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the task has valid field values
func (t *Task) Validate() error {
	if t.Key == "" {
		return fmt.Errorf("%w: task key is required", ErrValidation)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: task title is required", ErrValidation)
	}
	if t.Priority < 0 {
		return fmt.Errorf("%w: priority must be non-negative", ErrValidation)
	}
	return nil
}

// TransitionTo attempts to move the task to a new status along the normal
// flow. force bypasses the transition table (used by the trio engine for
// the ready_to_qa -> in_progress retry downgrade).
func (t *Task) TransitionTo(newStatus TaskStatus, force bool) error {
	if force {
		t.Status = newStatus
		t.UpdatedAt = time.Now().UTC()
		return nil
	}

	allowed, ok := validTransitions[t.Status]
	if !ok {
		return fmt.Errorf("%w: unknown current status %q", ErrValidation, t.Status)
	}
	for _, s := range allowed {
		if s == newStatus {
			t.Status = newStatus
			t.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: invalid transition from %s to %s", ErrValidation, t.Status, newStatus)
}

// IsTerminal returns true if the task is in a final state
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}
