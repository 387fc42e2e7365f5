// internal/cli/cli_test.go
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

// runCLI executes the command tree with captured output. The --workspace
// flag writes MCODA_WORKSPACE, so pin the variable to its current value to
// undo any leakage after the test.
func runCLI(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	t.Setenv("MCODA_WORKSPACE", os.Getenv("MCODA_WORKSPACE"))
	a := &app{}
	cmd := a.rootCmd()

	var out, errBuf bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(&errBuf, "Error: %v\n", err)
	}
	return out.String(), errBuf.String(), exitCode(err)
}

// setupWorkspace creates a workspace dir with a seeded backlog:
// P-E1-US1-T01 <- T02 (T02 depends on T01).
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := workspace.Open(filepath.Join(dir, ".mcoda", "mcoda.db"))
	require.NoError(t, err)
	defer store.Close()

	p := &types.Project{Key: "P", Name: "Project"}
	require.NoError(t, store.SaveProject(p))
	e := &types.Epic{ProjectID: p.ID, Key: "P-E1", Title: "Epic"}
	require.NoError(t, store.SaveEpic(e))
	us := &types.UserStory{ProjectID: p.ID, EpicID: e.ID, Key: "P-E1-US1", Title: "Story"}
	require.NoError(t, store.SaveStory(us))

	for _, key := range []string{"P-E1-US1-T01", "P-E1-US1-T02"} {
		task := &types.Task{
			ProjectID: p.ID, EpicID: e.ID, StoryID: us.ID,
			Key: key, Title: "Task " + key, Status: types.StatusNotStarted, Priority: 1,
		}
		require.NoError(t, store.SaveTask(task))
	}
	require.NoError(t, store.AddDependency("P-E1-US1-T02", "P-E1-US1-T01"))
	return dir
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", fmt.Errorf("boom"), ExitFailure},
		{"validation", fmt.Errorf("%w: bad flag", types.ErrValidation), ExitPrecondition},
		{"precondition", fmt.Errorf("%w: no workspace", types.ErrPrecondition), ExitPrecondition},
		{"explicit", &exitError{code: ExitJobFailed, err: fmt.Errorf("job failed")}, ExitJobFailed},
		{"wrapped explicit", fmt.Errorf("run: %w", &exitError{code: ExitJobFailed, err: fmt.Errorf("x")}), ExitJobFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestJobOutcomeErr(t *testing.T) {
	assert.NoError(t, jobOutcomeErr(&types.Job{ID: "j", State: types.JobRunning}))
	assert.NoError(t, jobOutcomeErr(&types.Job{ID: "j", State: types.JobCompleted}))

	err := jobOutcomeErr(&types.Job{ID: "j", State: types.JobFailed, ErrorSummary: "gateway unparseable"})
	require.Error(t, err)
	assert.Equal(t, ExitJobFailed, exitCode(err))
	assert.Contains(t, err.Error(), "gateway unparseable")
}

func TestOrderTasksOrdersByDependencies(t *testing.T) {
	dir := setupWorkspace(t)

	stdout, _, code := runCLI(t, "--workspace", dir, "order-tasks", "--json")
	require.Equal(t, ExitOK, code)

	var res struct {
		Ordered []struct {
			Key string `json:"key"`
		} `json:"ordered"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	require.Len(t, res.Ordered, 2)
	assert.Equal(t, "P-E1-US1-T01", res.Ordered[0].Key)
	assert.Equal(t, "P-E1-US1-T02", res.Ordered[1].Key)
}

func TestOrderTasksRejectsUnknownOrder(t *testing.T) {
	dir := setupWorkspace(t)
	_, stderr, code := runCLI(t, "--workspace", dir, "order-tasks", "--order", "alphabetical")
	assert.Equal(t, ExitPrecondition, code)
	assert.Contains(t, stderr, "unknown order")
}

func TestTaskShowJSON(t *testing.T) {
	dir := setupWorkspace(t)

	stdout, _, code := runCLI(t, "--workspace", dir, "task", "show", "P-E1-US1-T02", "--format", "json")
	require.Equal(t, ExitOK, code)

	var detail struct {
		Task struct {
			Key    string `json:"key"`
			Status string `json:"status"`
		} `json:"task"`
		Dependencies []string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &detail))
	assert.Equal(t, "P-E1-US1-T02", detail.Task.Key)
	assert.Equal(t, string(types.StatusNotStarted), detail.Task.Status)
	assert.Equal(t, []string{"P-E1-US1-T01"}, detail.Dependencies)
}

func TestTaskShowUnknownKey(t *testing.T) {
	dir := setupWorkspace(t)
	_, _, code := runCLI(t, "--workspace", dir, "task", "show", "P-E1-US1-T99")
	assert.Equal(t, ExitPrecondition, code)
}

func TestJobListValidatesState(t *testing.T) {
	dir := setupWorkspace(t)
	_, stderr, code := runCLI(t, "--workspace", dir, "job", "list", "--state", "bogus")
	assert.Equal(t, ExitPrecondition, code)
	assert.Contains(t, stderr, "unknown job state")
}

func TestMissingWorkspaceIsPrecondition(t *testing.T) {
	t.Setenv("MCODA_WORKSPACE", "")
	t.Chdir(t.TempDir())

	_, stderr, code := runCLI(t, "job", "list")
	assert.Equal(t, ExitPrecondition, code)
	assert.Contains(t, stderr, "no mcoda workspace")
}

func TestAgentListSeedsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	stdout, _, code := runCLI(t, "agent", "list", "--json")
	require.Equal(t, ExitOK, code)

	var agents []*types.Agent
	require.NoError(t, json.Unmarshal([]byte(stdout), &agents))
	slugs := make([]string, 0, len(agents))
	for _, ag := range agents {
		slugs = append(slugs, ag.Slug)
	}
	assert.Contains(t, slugs, "stub-small")
	assert.Contains(t, slugs, "stub-large")
}

func TestTelemetrySummaryEmptyWindow(t *testing.T) {
	dir := setupWorkspace(t)
	stdout, _, code := runCLI(t, "--workspace", dir, "telemetry", "summary", "--since", "24h", "--json")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, []string{"null", "[]"}, strings.TrimSpace(stdout))
}
