// internal/jobs/runtime.go
package jobs

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

// Runtime owns durable job records and their on-disk artifacts under
// <jobsDir>/<jobId>/: manifest.json, checkpoints.jsonl, log.txt. Job rows
// live in the workspace store; the checkpoint file is the source of truth
// for resume, mirrored into the database for queries.
type Runtime struct {
	store *workspace.Store
	dir   string
	bus   *Bus
	log   *slog.Logger

	// mu serializes checkpoint writes so entry order matches file order.
	mu sync.Mutex
}

func NewRuntime(store *workspace.Store, jobsDir string, bus *Bus, log *slog.Logger) *Runtime {
	if bus == nil {
		bus = NewBus()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{store: store, dir: jobsDir, bus: bus, log: log}
}

// Bus exposes the event bus for watchers.
func (r *Runtime) Bus() *Bus {
	return r.bus
}

// Dir returns a job's artifact directory.
func (r *Runtime) Dir(jobID string) string {
	return filepath.Join(r.dir, jobID)
}

// Create inserts a queued job and lays out its artifact directory.
func (r *Runtime) Create(jobType, commandName, commandRunID string, payload map[string]any, resumeSupported bool) (*types.Job, error) {
	j := &types.Job{
		CommandRunID:    commandRunID,
		Type:            jobType,
		CommandName:     commandName,
		Payload:         payload,
		ResumeSupported: resumeSupported,
		State:           types.JobQueued,
	}
	if err := r.store.InsertJob(j); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	dir := r.Dir(j.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create job dir: %v", types.ErrStoreUnavailable, err)
	}

	manifest := types.JobManifest{
		JobID:       j.ID,
		Type:        jobType,
		CommandName: commandName,
		CreatedAt:   j.CreatedAt,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("%w: write manifest: %v", types.ErrStoreUnavailable, err)
	}

	// The checkpoint and log files exist from birth so readers never race
	// file creation.
	for _, name := range []string{"checkpoints.jsonl", "log.txt"} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", types.ErrStoreUnavailable, name, err)
		}
		f.Close()
	}

	r.log.Info("job created", "job_id", j.ID, "type", jobType, "command", commandName)
	return j, nil
}

// Start moves a queued job to running.
func (r *Runtime) Start(jobID string) (*types.Job, error) {
	return r.transition(jobID, types.JobRunning, "", false)
}

// Pause suspends a running job; it stays resumable.
func (r *Runtime) Pause(jobID string) (*types.Job, error) {
	return r.transition(jobID, types.JobPaused, "", false)
}

// Finish moves a job to one of its terminal states.
func (r *Runtime) Finish(jobID string, state types.JobState, errorSummary string) (*types.Job, error) {
	if !types.IsTerminalJobState(state) {
		return nil, fmt.Errorf("%w: %s is not a terminal job state", types.ErrValidation, state)
	}
	return r.transition(jobID, state, errorSummary, false)
}

// Cancel stops a job from any cancelable state. force additionally marks
// already-terminal jobs cancelled for auditing.
func (r *Runtime) Cancel(jobID string, force bool) (*types.Job, error) {
	j, err := r.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !types.IsCancelableJobState(j.State) {
		if !force {
			return nil, fmt.Errorf("%w: job %s is %s and cannot be cancelled (use force to audit-cancel)",
				types.ErrValidation, jobID, j.State)
		}
		return r.transition(jobID, types.JobCancelled, "", true)
	}
	return r.transition(jobID, types.JobCancelled, "", false)
}

func (r *Runtime) transition(jobID string, to types.JobState, errorSummary string, force bool) (*types.Job, error) {
	j, err := r.store.TransitionJob(jobID, to, errorSummary, force)
	if err != nil {
		return nil, err
	}
	r.bus.Publish(Event{
		Type:  EventStateChanged,
		JobID: jobID,
		Data:  map[string]any{"state": string(to), "row_version": j.RowVersion},
	})
	return j, nil
}

// Checkpoint appends one entry to the job's checkpoint log. The job dips
// into checkpointing for the write and returns to running, so a crash
// mid-write is visible in the job row.
func (r *Runtime) Checkpoint(jobID, stage string, details map[string]any) (types.Checkpoint, error) {
	cp := types.Checkpoint{Stage: stage, Timestamp: time.Now().UTC(), Details: details}

	if _, err := r.transition(jobID, types.JobCheckpointing, "", false); err != nil {
		return cp, err
	}

	r.mu.Lock()
	err := r.appendCheckpoint(jobID, cp)
	r.mu.Unlock()
	if err != nil {
		return cp, err
	}

	if _, err := r.transition(jobID, types.JobRunning, "", false); err != nil {
		return cp, err
	}

	r.bus.Publish(Event{
		Type:  EventCheckpoint,
		JobID: jobID,
		Data:  map[string]any{"stage": stage, "details": details},
	})
	return cp, nil
}

func (r *Runtime) appendCheckpoint(jobID string, cp types.Checkpoint) error {
	path := filepath.Join(r.Dir(jobID), "checkpoints.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open checkpoints: %v", types.ErrStoreUnavailable, err)
	}
	defer f.Close()

	line, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: append checkpoint: %v", types.ErrStoreUnavailable, err)
	}
	// Readers must never observe entry N+1 without entry N.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync checkpoints: %v", types.ErrStoreUnavailable, err)
	}

	existing, err := r.store.ListCheckpoints(jobID)
	if err != nil {
		return err
	}
	return r.store.AppendCheckpoint(jobID, len(existing)+1, cp)
}

// Checkpoints reads the job's checkpoint log in order. A malformed line
// means the log is corrupt, which is fatal for the job.
func (r *Runtime) Checkpoints(jobID string) ([]types.Checkpoint, error) {
	path := filepath.Join(r.Dir(jobID), "checkpoints.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open checkpoints: %v", types.ErrStoreUnavailable, err)
	}
	defer f.Close()

	var out []types.Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp types.Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			return nil, fmt.Errorf("%w: corrupt checkpoint entry %d for job %s: %v",
				types.ErrFatal, len(out)+1, jobID, err)
		}
		out = append(out, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read checkpoints: %v", types.ErrStoreUnavailable, err)
	}
	return out, nil
}

// Manifest loads and validates the job's manifest file.
func (r *Runtime) Manifest(jobID string) (*types.JobManifest, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir(jobID), "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: manifest for job %s: %v", types.ErrResumeNotAllowed, jobID, err)
	}
	var m types.JobManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest for job %s is malformed: %v", types.ErrResumeNotAllowed, jobID, err)
	}
	return &m, nil
}

// Resume validates the resume preconditions and moves the job back to
// running. The returned payload is the stored request merged with
// overrides; non-nil override values win.
func (r *Runtime) Resume(jobID string, overrides map[string]any) (*types.Job, map[string]any, error) {
	j, err := r.store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}

	if !types.IsResumableJobState(j.State) {
		return nil, nil, fmt.Errorf("%w: job %s is %s; resume requires paused, failed, or partial",
			types.ErrResumeNotAllowed, jobID, j.State)
	}
	if !j.ResumeSupported {
		return nil, nil, fmt.Errorf("%w: job %s does not support resume", types.ErrResumeNotAllowed, jobID)
	}

	m, err := r.Manifest(jobID)
	if err != nil {
		return nil, nil, err
	}
	if m.JobID != j.ID || m.Type != j.Type || m.CommandName != j.CommandName {
		return nil, nil, fmt.Errorf("%w: manifest does not match job %s (%s/%s vs %s/%s)",
			types.ErrResumeNotAllowed, jobID, m.Type, m.CommandName, j.Type, j.CommandName)
	}

	cps, err := r.Checkpoints(jobID)
	if err != nil {
		return nil, nil, err
	}
	if len(cps) == 0 {
		return nil, nil, fmt.Errorf("%w: job %s has no checkpoints to resume from", types.ErrResumeNotAllowed, jobID)
	}

	payload := map[string]any{}
	for k, v := range j.Payload {
		payload[k] = v
	}
	for k, v := range overrides {
		if v == nil {
			continue
		}
		payload[k] = v
	}

	j, err = r.transition(jobID, types.JobRunning, "", false)
	if err != nil {
		return nil, nil, err
	}
	r.log.Info("job resumed", "job_id", jobID, "checkpoints", len(cps))
	return j, payload, nil
}

// AppendLog writes one timestamped line to the job log and publishes it.
func (r *Runtime) AppendLog(jobID, line string) error {
	path := filepath.Join(r.Dir(jobID), "log.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: open job log: %v", types.ErrStoreUnavailable, err)
	}
	defer f.Close()

	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "[%s] %s\n", ts, line); err != nil {
		return err
	}

	r.bus.Publish(Event{
		Type:  EventLog,
		JobID: jobID,
		Data:  map[string]any{"line": line},
	})
	return nil
}

// ReadLog returns the whole job log.
func (r *Runtime) ReadLog(jobID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir(jobID), "log.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Inspection is everything `job inspect` renders.
type Inspection struct {
	Job         *types.Job          `json:"job"`
	Manifest    *types.JobManifest  `json:"manifest,omitempty"`
	Checkpoints []types.Checkpoint  `json:"checkpoints"`
	TaskRuns    []*types.TaskRun    `json:"task_runs,omitempty"`
}

// Inspect assembles the job row, manifest, checkpoints, and task runs.
func (r *Runtime) Inspect(jobID string) (*Inspection, error) {
	j, err := r.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	ins := &Inspection{Job: j}
	if m, err := r.Manifest(jobID); err == nil {
		ins.Manifest = m
	} else if !errors.Is(err, types.ErrResumeNotAllowed) {
		return nil, err
	}

	if ins.Checkpoints, err = r.Checkpoints(jobID); err != nil {
		return nil, err
	}
	if ins.TaskRuns, err = r.store.ListTaskRuns(jobID); err != nil {
		return nil, err
	}
	return ins, nil
}
