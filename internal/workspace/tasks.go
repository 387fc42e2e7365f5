// internal/workspace/tasks.go
package workspace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcoda/mcoda/internal/types"
)

const taskColumns = `id, project_id, epic_id, story_id, key, title, description, status, priority, story_points, stage, assigned_to, metadata, created_at, updated_at, started_at, completed_at`

// SaveProject creates or updates a project by key.
func (s *Store) SaveProject(p *types.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	metadata, _ := json.Marshal(p.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO projects (id, key, name, description, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at
	`, p.ID, p.Key, p.Name, p.Description, string(metadata), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	// On conflict the stored row keeps its original id; callers wire p.ID
	// into child rows, so resolve it.
	return s.resolveID("projects", p.Key, &p.ID)
}

// resolveID reads back the canonical row id after an upsert by key.
func (s *Store) resolveID(table, key string, id *string) error {
	return s.db.QueryRow(`SELECT id FROM `+table+` WHERE key = ?`, key).Scan(id)
}

// GetProject retrieves a project by key.
func (s *Store) GetProject(key string) (*types.Project, error) {
	var p types.Project
	var description, metadata sql.NullString
	err := s.db.QueryRow(`
		SELECT id, key, name, description, metadata, created_at, updated_at
		FROM projects WHERE key = ?
	`, key).Scan(&p.ID, &p.Key, &p.Name, &description, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown project %q", types.ErrValidation, key)
	}
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &p.Metadata)
	}
	return &p, nil
}

// SaveEpic creates or updates an epic by key.
func (s *Store) SaveEpic(e *types.Epic) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO epics (id, project_id, key, title, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			updated_at=excluded.updated_at
	`, e.ID, e.ProjectID, e.Key, e.Title, e.Description, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return err
	}
	return s.resolveID("epics", e.Key, &e.ID)
}

// SaveStory creates or updates a user story by key.
func (s *Store) SaveStory(st *types.UserStory) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO user_stories (id, project_id, epic_id, key, title, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			updated_at=excluded.updated_at
	`, st.ID, st.ProjectID, st.EpicID, st.Key, st.Title, st.Description, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return err
	}
	return s.resolveID("user_stories", st.Key, &st.ID)
}

// SaveTask creates or updates a task by key.
func (s *Store) SaveTask(t *types.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.StatusNotStarted
	}
	if t.Stage == "" {
		t.Stage = "other"
	}
	metadata, _ := json.Marshal(t.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			status=excluded.status,
			priority=excluded.priority,
			story_points=excluded.story_points,
			stage=excluded.stage,
			assigned_to=excluded.assigned_to,
			metadata=excluded.metadata,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at
	`,
		t.ID, t.ProjectID, t.EpicID, t.StoryID, t.Key, t.Title, t.Description,
		t.Status, t.Priority, t.StoryPoints, t.Stage, t.AssignedTo, string(metadata),
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt,
	)
	if err != nil {
		return err
	}
	return s.resolveID("tasks", t.Key, &t.ID)
}

// GetTask retrieves a task by key.
func (s *Store) GetTask(key string) (*types.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE key = ?`, key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown task %q", types.ErrValidation, key)
	}
	return t, err
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectKey string
	EpicKey    string
	StoryKey   string
	TaskKeys   []string
	Statuses   []types.TaskStatus
}

// ListTasks returns tasks matching the filter, ordered by key.
func (s *Store) ListTasks(f TaskFilter) ([]*types.Task, error) {
	query := `SELECT ` + qualify(taskColumns, "t") + ` FROM tasks t`
	var joins []string
	var conds []string
	var args []any

	if f.ProjectKey != "" {
		joins = append(joins, `JOIN projects p ON p.id = t.project_id`)
		conds = append(conds, `p.key = ?`)
		args = append(args, f.ProjectKey)
	}
	if f.EpicKey != "" {
		joins = append(joins, `JOIN epics e ON e.id = t.epic_id`)
		conds = append(conds, `e.key = ?`)
		args = append(args, f.EpicKey)
	}
	if f.StoryKey != "" {
		joins = append(joins, `JOIN user_stories us ON us.id = t.story_id`)
		conds = append(conds, `us.key = ?`)
		args = append(args, f.StoryKey)
	}
	if len(f.TaskKeys) > 0 {
		conds = append(conds, `t.key IN (`+placeholders(len(f.TaskKeys))+`)`)
		for _, k := range f.TaskKeys {
			args = append(args, k)
		}
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, `t.status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	if len(joins) > 0 {
		query += " " + strings.Join(joins, " ")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY t.key"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus transitions a task and records history in one
// transaction. force bypasses the transition table (trio retry downgrade).
func (s *Store) UpdateTaskStatus(key string, to types.TaskStatus, changedBy, reason string, force bool) error {
	t, err := s.GetTask(key)
	if err != nil {
		return err
	}
	from := t.Status
	if err := t.TransitionTo(to, force); err != nil {
		return err
	}

	now := time.Now().UTC()
	if to == types.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to == types.StatusCompleted {
		t.CompletedAt = &now
	}

	return s.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE tasks SET status = ?, updated_at = ?, started_at = ?, completed_at = ? WHERE key = ?
		`, t.Status, t.UpdatedAt, t.StartedAt, t.CompletedAt, key); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO task_history (task_key, from_status, to_status, changed_by, reason, changed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, key, string(from), string(to), changedBy, reason, now)
		return err
	})
}

// TaskHistoryEntry is one recorded status transition.
type TaskHistoryEntry struct {
	TaskKey    string    `json:"task_key"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedBy  string    `json:"changed_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// TaskHistory returns a task's status transitions, oldest first.
func (s *Store) TaskHistory(key string) ([]TaskHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT task_key, from_status, to_status, changed_by, reason, changed_at
		FROM task_history WHERE task_key = ? ORDER BY changed_at, id
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var by, reason sql.NullString
		if err := rows.Scan(&e.TaskKey, &e.FromStatus, &e.ToStatus, &by, &reason, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.ChangedBy = by.String
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddDependency records a prerequisite edge from -> to.
func (s *Store) AddDependency(fromKey, toKey string) error {
	if fromKey == toKey {
		return fmt.Errorf("%w: task %q cannot depend on itself", types.ErrValidation, fromKey)
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO task_dependencies (from_key, to_key) VALUES (?, ?)
	`, fromKey, toKey)
	return err
}

// ListDependencies returns all dependency edges among the given task keys.
// With no keys, all edges are returned.
func (s *Store) ListDependencies(keys []string) ([]types.TaskDependency, error) {
	query := `SELECT from_key, to_key FROM task_dependencies`
	var args []any
	if len(keys) > 0 {
		ph := placeholders(len(keys))
		query += ` WHERE from_key IN (` + ph + `) AND to_key IN (` + ph + `)`
		for _, k := range keys {
			args = append(args, k)
		}
		for _, k := range keys {
			args = append(args, k)
		}
	}
	query += ` ORDER BY from_key, to_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []types.TaskDependency
	for rows.Next() {
		var d types.TaskDependency
		if err := rows.Scan(&d.FromKey, &d.ToKey); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// DependenciesFrom returns the prerequisite edges leaving one task,
// regardless of where the prerequisites live. ListDependencies is scoped to
// a selection set; this is the unscoped single-task view.
func (s *Store) DependenciesFrom(key string) ([]types.TaskDependency, error) {
	rows, err := s.db.Query(`
		SELECT from_key, to_key FROM task_dependencies WHERE from_key = ? ORDER BY to_key
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []types.TaskDependency
	for rows.Next() {
		var d types.TaskDependency
		if err := rows.Scan(&d.FromKey, &d.ToKey); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// AddComment attaches a comment to a task.
func (s *Store) AddComment(c *types.Comment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO comments (id, task_key, author, body, created_at) VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.TaskKey, c.Author, c.Body, c.CreatedAt)
	return err
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(taskKey string) ([]*types.Comment, error) {
	rows, err := s.db.Query(`
		SELECT id, task_key, author, body, created_at FROM comments
		WHERE task_key = ? ORDER BY created_at
	`, taskKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Comment
	for rows.Next() {
		var c types.Comment
		if err := rows.Scan(&c.ID, &c.TaskKey, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var description, assignedTo, metadata sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.EpicID, &t.StoryID, &t.Key, &t.Title, &description,
		&t.Status, &t.Priority, &t.StoryPoints, &t.Stage, &assignedTo, &metadata,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Description = description.String
	t.AssignedTo = assignedTo.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if metadata.Valid && metadata.String != "" {
		// Tolerate bad JSON rather than failing the read
		json.Unmarshal([]byte(metadata.String), &t.Metadata)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func qualify(cols, alias string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
