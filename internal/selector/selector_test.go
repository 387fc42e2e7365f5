// internal/selector/selector_test.go
package selector

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

func setupSelector(t *testing.T) (*Selector, *workspace.Store) {
	t.Helper()
	store, err := workspace.Open(filepath.Join(t.TempDir(), "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

// seedTask stores a task under a shared P / P-E1 / P-E1-US1 hierarchy,
// creating the parent rows on first use.
func seedTask(t *testing.T, store *workspace.Store, key string, status types.TaskStatus, priority, points int) {
	t.Helper()
	p := &types.Project{Key: "P", Name: "Project"}
	require.NoError(t, store.SaveProject(p))
	e := &types.Epic{ProjectID: p.ID, Key: "P-E1", Title: "Epic"}
	require.NoError(t, store.SaveEpic(e))
	us := &types.UserStory{ProjectID: p.ID, EpicID: e.ID, Key: "P-E1-US1", Title: "Story"}
	require.NoError(t, store.SaveStory(us))

	require.NoError(t, store.SaveTask(&types.Task{
		ProjectID:   p.ID,
		EpicID:      e.ID,
		StoryID:     us.ID,
		Key:         key,
		Title:       "task " + key,
		Status:      status,
		Priority:    priority,
		StoryPoints: points,
	}))
}

func orderedKeys(res *Result) []string {
	var keys []string
	for _, task := range res.Ordered {
		keys = append(keys, task.Key)
	}
	return keys
}

func position(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return -1
}

func TestTopologicalOrdering(t *testing.T) {
	sel, store := setupSelector(t)

	// T03 depends on T02 depends on T01
	for _, k := range []string{"P-T01", "P-T02", "P-T03"} {
		seedTask(t, store, k, types.StatusNotStarted, 0, 1)
	}
	require.NoError(t, store.AddDependency("P-T02", "P-T01"))
	require.NoError(t, store.AddDependency("P-T03", "P-T02"))

	res, err := sel.Select(Request{OrderByDependencies: true})
	require.NoError(t, err)
	require.Empty(t, res.Warnings)

	keys := orderedKeys(res)
	require.Len(t, keys, 3)
	assert.Less(t, position(keys, "P-T01"), position(keys, "P-T02"))
	assert.Less(t, position(keys, "P-T02"), position(keys, "P-T03"))
}

func TestCycleBrokenDeterministically(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "T1", types.StatusNotStarted, 0, 1)
	seedTask(t, store, "T2", types.StatusNotStarted, 0, 1)
	require.NoError(t, store.AddDependency("T1", "T2"))
	require.NoError(t, store.AddDependency("T2", "T1"))

	res, err := sel.Select(Request{OrderByDependencies: true})
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "cycle")
	assert.Contains(t, res.Warnings[0], "T1")
	assert.Contains(t, res.Warnings[0], "T2")

	// The edge with the greater target is dropped: T1 -> T2 goes, T2 -> T1
	// stays, so T1 orders first.
	require.Len(t, res.DroppedEdges, 1)
	assert.Equal(t, types.TaskDependency{FromKey: "T1", ToKey: "T2"}, res.DroppedEdges[0])

	keys := orderedKeys(res)
	require.Len(t, keys, 2)
	assert.Equal(t, []string{"T1", "T2"}, keys)
}

func TestTieBreakPriorityImpactPointsKey(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "A", types.StatusNotStarted, 5, 3)
	seedTask(t, store, "B", types.StatusNotStarted, 1, 3)
	seedTask(t, store, "C", types.StatusNotStarted, 1, 3)
	seedTask(t, store, "D", types.StatusNotStarted, 1, 1)
	// C has a dependent, lifting its impact over B and D
	seedTask(t, store, "E", types.StatusNotStarted, 0, 2)
	require.NoError(t, store.AddDependency("E", "C"))

	res, err := sel.Select(Request{OrderByDependencies: true})
	require.NoError(t, err)

	// A by priority, C by impact, D by smaller points, B by key, E last
	assert.Equal(t, []string{"A", "C", "D", "B", "E"}, orderedKeys(res))
	assert.Equal(t, Impact{Direct: 1, Total: 1}, res.Impact["C"])
}

func TestBlockedByExternalPrerequisite(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "DONE", types.StatusCompleted, 0, 1)
	seedTask(t, store, "STUCK", types.StatusBlocked, 0, 1)
	seedTask(t, store, "X", types.StatusNotStarted, 0, 1)
	seedTask(t, store, "Y", types.StatusNotStarted, 0, 1)
	require.NoError(t, store.AddDependency("X", "DONE"))
	require.NoError(t, store.AddDependency("Y", "STUCK"))

	res, err := sel.Select(Request{OrderByDependencies: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"X"}, orderedKeys(res))
	require.Len(t, res.Blocked, 1)
	assert.Equal(t, "Y", res.Blocked[0].Key)
}

func TestExplicitRequestBypassesBlocking(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "STUCK", types.StatusBlocked, 0, 1)
	seedTask(t, store, "Y", types.StatusNotStarted, 0, 1)
	require.NoError(t, store.AddDependency("Y", "STUCK"))

	res, err := sel.Select(Request{TaskKeys: []string{"Y"}, OrderByDependencies: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, orderedKeys(res))
	assert.Empty(t, res.Blocked)
}

func TestLimitAndTerminalExclusion(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "A", types.StatusNotStarted, 3, 1)
	seedTask(t, store, "B", types.StatusNotStarted, 2, 1)
	seedTask(t, store, "C", types.StatusNotStarted, 1, 1)
	seedTask(t, store, "Z", types.StatusCompleted, 9, 1)

	res, err := sel.Select(Request{OrderByDependencies: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, orderedKeys(res))
}

func TestStageOrderGrouping(t *testing.T) {
	sel, store := setupSelector(t)

	save := func(key, stage string) {
		require.NoError(t, store.SaveTask(&types.Task{
			Key: key, Title: "task " + key, Status: types.StatusNotStarted, Stage: stage,
		}))
	}
	save("UI", "frontend")
	save("API", "backend")
	save("DB", "foundation")
	save("MISC", "")

	res, err := sel.Select(Request{
		OrderByDependencies: true,
		StageOrder:          []string{"foundation", "backend", "frontend", "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DB", "API", "UI", "MISC"}, orderedKeys(res))
}

func TestUnknownPrerequisiteWarns(t *testing.T) {
	sel, store := setupSelector(t)

	seedTask(t, store, "A", types.StatusNotStarted, 0, 1)
	require.NoError(t, store.AddDependency("A", "GHOST"))

	res, err := sel.Select(Request{OrderByDependencies: true})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.True(t, strings.Contains(res.Warnings[0], "GHOST"))
	require.Len(t, res.Blocked, 1)
	assert.Equal(t, "A", res.Blocked[0].Key)
}
