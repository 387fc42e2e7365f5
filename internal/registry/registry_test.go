// internal/registry/registry_test.go
package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestAgentRoundTrip(t *testing.T) {
	reg := openTestRegistry(t)

	a := &types.Agent{
		Slug:           "agent-a",
		Adapter:        "cli",
		Model:          "m1",
		Capabilities:   []string{"code", "qa"},
		Rating:         7.5,
		ReasoningRating: 6.0,
		MaxComplexity:  6,
		CostPerMillion: 3.5,
	}
	require.NoError(t, reg.SaveAgent(a))

	loaded, err := reg.GetAgent("agent-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"code", "qa"}, loaded.Capabilities)
	assert.Equal(t, 7.5, loaded.Rating)
	assert.Equal(t, 6, loaded.MaxComplexity)
	assert.True(t, loaded.HasCapability("qa"))
	assert.False(t, loaded.HasCapability("ops"))
}

func TestSaveAgentClampsComplexity(t *testing.T) {
	reg := openTestRegistry(t)

	a := &types.Agent{Slug: "x", Adapter: "stub", MaxComplexity: 42}
	require.NoError(t, reg.SaveAgent(a))
	loaded, err := reg.GetAgent("x")
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.MaxComplexity)

	a.MaxComplexity = -1
	require.NoError(t, reg.SaveAgent(a))
	loaded, _ = reg.GetAgent("x")
	assert.Equal(t, 1, loaded.MaxComplexity)
}

func TestSeedDoesNotOverwrite(t *testing.T) {
	reg := openTestRegistry(t)
	require.NoError(t, reg.Seed(nil))

	agents, err := reg.ListAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)

	// Bump a rating, reseed, rating must survive
	a, err := reg.GetAgent("stub-small")
	require.NoError(t, err)
	a.Rating = 9.0
	require.NoError(t, reg.SaveAgent(a))

	require.NoError(t, reg.Seed(nil))
	a, _ = reg.GetAgent("stub-small")
	assert.Equal(t, 9.0, a.Rating)
}

func TestRunRatings(t *testing.T) {
	reg := openTestRegistry(t)

	for i := 0; i < 3; i++ {
		rr := &types.AgentRunRating{
			AgentSlug: "agent-a", Complexity: 3,
			QualityScore: 7, RunScore: 6.5, TotalCost: 0.2,
			DurationSeconds: 12, Iterations: 1,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, reg.InsertRunRating(rr))
	}

	ratings, err := reg.ListRunRatings("agent-a", 2)
	require.NoError(t, err)
	assert.Len(t, ratings, 2)
	// Newest first
	assert.True(t, ratings[0].CreatedAt.After(ratings[1].CreatedAt))
}

func TestAdvisoryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")
	l1 := newAdvisoryLock(path)
	l2 := newAdvisoryLock(path)

	require.NoError(t, l1.Acquire(time.Second))
	err := l2.Acquire(100 * time.Millisecond)
	assert.Error(t, err, "second acquire should time out while held")

	l1.Release()
	require.NoError(t, l2.Acquire(time.Second))
	l2.Release()
}

func TestAdvisoryLockStaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")
	require.NoError(t, os.WriteFile(path, []byte("99999\n"), 0644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	l := newAdvisoryLock(path)
	require.NoError(t, l.Acquire(time.Second), "stale lock should be taken over")
	l.Release()
}

func TestLoadAgentsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - slug: fast
    adapter: cli
    model: quick-1
    capabilities: [code]
    max_complexity: 3
    cost_per_million: 0.2
`), 0644))

	file, err := LoadAgentsFile(path)
	require.NoError(t, err)
	require.Len(t, file.Agents, 1)
	assert.Equal(t, "fast", file.Agents[0].Slug)
	assert.Equal(t, 3, file.Agents[0].MaxComplexity)
}
