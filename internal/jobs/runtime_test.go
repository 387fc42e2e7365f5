// internal/jobs/runtime_test.go
package jobs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

func setupRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	store, err := workspace.Open(filepath.Join(dir, "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRuntime(store, filepath.Join(dir, "jobs"), NewBus(), nil)
}

func createRunning(t *testing.T, rt *Runtime, resumable bool) *types.Job {
	t.Helper()
	j, err := rt.Create("gateway-trio", "gateway-trio", "", map[string]any{"project": "P"}, resumable)
	require.NoError(t, err)
	j, err = rt.Start(j.ID)
	require.NoError(t, err)
	return j
}

func TestCreateLaysOutArtifacts(t *testing.T) {
	rt := setupRuntime(t)
	j, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)

	dir := rt.Dir(j.ID)
	for _, name := range []string{"manifest.json", "checkpoints.jsonl", "log.txt"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	m, err := rt.Manifest(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, m.JobID)
	assert.Equal(t, "gateway-trio", m.CommandName)
}

func TestCheckpointOrderAndRowVersion(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)

	stages := []string{"task:T1:work", "task:T1:review", "task:T1:qa"}
	for _, stage := range stages {
		_, err := rt.Checkpoint(j.ID, stage, map[string]any{"attempt": 1})
		require.NoError(t, err)
	}

	cps, err := rt.Checkpoints(j.ID)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, stage := range stages {
		assert.Equal(t, stage, cps[i].Stage)
	}

	// Each checkpoint makes two transitions (checkpointing, running).
	reloaded, err := rt.Inspect(j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, reloaded.Job.State)
	assert.Greater(t, reloaded.Job.RowVersion, j.RowVersion)
	assert.Len(t, reloaded.Checkpoints, 3)
}

func TestCorruptCheckpointIsFatal(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)
	_, err := rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)

	path := filepath.Join(rt.Dir(j.ID), "checkpoints.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	f.Close()

	_, err = rt.Checkpoints(j.ID)
	assert.True(t, errors.Is(err, types.ErrFatal))
}

func TestResumeHappyPath(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)
	_, err := rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)
	_, err = rt.Pause(j.ID)
	require.NoError(t, err)

	resumed, payload, err := rt.Resume(j.ID, map[string]any{"max_cycles": 2})
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, resumed.State)
	assert.Equal(t, "P", payload["project"])     // stored request survives
	assert.Equal(t, 2, payload["max_cycles"])    // caller override wins
}

func TestResumeRequiresResumableState(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)
	_, err := rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)

	// Already running.
	_, _, err = rt.Resume(j.ID, nil)
	assert.True(t, errors.Is(err, types.ErrResumeNotAllowed))
}

func TestResumeRequiresSupportFlag(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, false)
	_, err := rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)
	_, err = rt.Pause(j.ID)
	require.NoError(t, err)

	_, _, err = rt.Resume(j.ID, nil)
	assert.True(t, errors.Is(err, types.ErrResumeNotAllowed))
}

func TestResumeRequiresCheckpoint(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)
	_, err := rt.Pause(j.ID)
	require.NoError(t, err)

	_, _, err = rt.Resume(j.ID, nil)
	assert.True(t, errors.Is(err, types.ErrResumeNotAllowed))
}

func TestResumeRequiresMatchingManifest(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)
	_, err := rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)
	_, err = rt.Pause(j.ID)
	require.NoError(t, err)

	path := filepath.Join(rt.Dir(j.ID), "manifest.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"job_id":"someone-else","type":"gateway-trio","commandName":"gateway-trio"}`), 0644))

	_, _, err = rt.Resume(j.ID, nil)
	assert.True(t, errors.Is(err, types.ErrResumeNotAllowed))
}

func TestCancelStates(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)

	cancelled, err := rt.Cancel(j.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, cancelled.State)

	// Terminal jobs need force.
	_, err = rt.Cancel(j.ID, false)
	assert.True(t, errors.Is(err, types.ErrValidation))

	audited, err := rt.Cancel(j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, audited.State)
}

func TestBusDeliversJobEvents(t *testing.T) {
	rt := setupRuntime(t)
	j, err := rt.Create("gateway-trio", "gateway-trio", "", nil, true)
	require.NoError(t, err)

	ch := rt.Bus().Subscribe(j.ID, []EventType{EventCheckpoint})
	defer rt.Bus().Unsubscribe(j.ID, ch)

	_, err = rt.Start(j.ID)
	require.NoError(t, err)
	_, err = rt.Checkpoint(j.ID, "task:T1:work", nil)
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, EventCheckpoint, ev.Type)
	assert.Equal(t, "task:T1:work", ev.Data["stage"])
}

func TestBusAllSubscriberSeesEverything(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(AllJobs, nil)

	bus.Publish(Event{Type: EventStateChanged, JobID: "j1"})
	bus.Publish(Event{Type: EventLog, JobID: "j2"})

	assert.Equal(t, "j1", (<-ch).JobID)
	assert.Equal(t, "j2", (<-ch).JobID)
}

func TestFinishRejectsNonTerminalState(t *testing.T) {
	rt := setupRuntime(t)
	j := createRunning(t, rt, true)

	_, err := rt.Finish(j.ID, types.JobRunning, "")
	assert.True(t, errors.Is(err, types.ErrValidation))

	done, err := rt.Finish(j.ID, types.JobPartial, "2 tasks failed")
	require.NoError(t, err)
	assert.Equal(t, types.JobPartial, done.State)
	assert.Equal(t, "2 tasks failed", done.ErrorSummary)
}
