// internal/rating/rating_test.go
package rating

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcoda/mcoda/internal/config"
	"github.com/mcoda/mcoda/internal/registry"
	"github.com/mcoda/mcoda/internal/types"
)

func setupService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "mcoda.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := New(reg, config.DefaultRouting(), nil)
	return svc, reg
}

func seedAgent(t *testing.T, reg *registry.Registry, slug string, rating float64, maxComplexity int) {
	t.Helper()
	require.NoError(t, reg.SaveAgent(&types.Agent{
		Slug:            slug,
		Adapter:         "stub",
		Rating:          rating,
		ReasoningRating: rating,
		MaxComplexity:   maxComplexity,
	}))
}

func TestBudgetScalesWithComplexity(t *testing.T) {
	low := BudgetFor(1)
	assert.InDelta(t, 0.5, low.CostUSD, 1e-9) // factor floors at 0.5
	assert.InDelta(t, 300, low.DurationSeconds, 1e-9)

	mid := BudgetFor(5)
	assert.InDelta(t, 1.0, mid.CostUSD, 1e-9)
	assert.Equal(t, 5, mid.Iterations) // 3 + round(5/3)

	high := BudgetFor(10)
	assert.InDelta(t, 2.0, high.CostUSD, 1e-9) // factor caps at 2
	assert.Equal(t, 6, high.Iterations)
}

func TestScorePenalizesOverruns(t *testing.T) {
	svc, _ := setupService(t)

	// At complexity 5: budget cost 1.0, duration 600s, iterations 5.
	in := RunInput{
		Complexity:      5,
		QualityScore:    9,
		TotalCost:       2.0, // 100% over -> penalty 1.0 * w_cost 1.0
		DurationSeconds: 900, // 50% over -> penalty 0.5 * w_time 0.5
		Iterations:      5,
	}
	score, _ := svc.Score(in)
	assert.InDelta(t, 9-1.0-0.25, score, 1e-9)
}

func TestScoreClampsToRange(t *testing.T) {
	svc, _ := setupService(t)

	score, _ := svc.Score(RunInput{
		Complexity:   5,
		QualityScore: 1,
		TotalCost:    100,
		Iterations:   1,
	})
	assert.Equal(t, 0.0, score)
}

func TestEMAUpdateMatchesFormula(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 5.0, 8)

	res, err := svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 5, QualityScore: 9, Iterations: 1,
	}, "")
	require.NoError(t, err)

	alpha := 2.0 / 51
	want := 5.0 + alpha*(res.RunScore-5.0)
	assert.InDelta(t, want, res.Rating, 1e-9)

	agent, err := reg.GetAgent("a")
	require.NoError(t, err)
	assert.InDelta(t, want, agent.Rating, 1e-9)
	assert.Equal(t, 1, agent.RatingSamples)
}

func TestEMAConvergesToConstantScore(t *testing.T) {
	// The gap to a constant score shrinks by (1-alpha) per sample, so from
	// |8-2| = 6 the 1e-9 bound needs ceil(ln(6e9)/-ln(1-alpha)) = 563
	// samples at the default window of 50.
	alpha := 2.0 / 51
	r := 2.0
	const s = 8.0

	n := 0
	for math.Abs(r-s) >= 1e-9 {
		r += alpha * (s - r)
		n++
		require.LessOrEqual(t, n, 1000, "EMA did not converge")
	}
	assert.LessOrEqual(t, n, 600)
}

func TestComplexityPromotionAndCooldown(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 8.0, 5)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })

	// Strong run at the cap promotes.
	res, err := svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 5, QualityScore: 9, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ComplexityMoved)
	assert.Equal(t, 6, res.MaxComplexity)

	// A second strong run inside the cooldown cannot move the cap again.
	now = now.Add(12 * time.Hour)
	res, err = svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 6, QualityScore: 9, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ComplexityMoved)
	assert.Equal(t, 6, res.MaxComplexity)

	// After the cooldown it can.
	now = now.Add(13 * time.Hour)
	res, err = svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 6, QualityScore: 9, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ComplexityMoved)
	assert.Equal(t, 7, res.MaxComplexity)
}

func TestComplexityDemotion(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 5.0, 5)

	res, err := svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 4, QualityScore: 2, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, -1, res.ComplexityMoved)
	assert.Equal(t, 4, res.MaxComplexity)
}

func TestDemotionFloorsAtOne(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 5.0, 1)

	res, err := svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 1, QualityScore: 1, Iterations: 1,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ComplexityMoved)
	assert.Equal(t, 1, res.MaxComplexity)
}

func TestEveryRatedRunLeavesARow(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 5.0, 5)

	for i := 0; i < 3; i++ {
		_, err := svc.RateRun(RunInput{
			AgentSlug: "a", TaskKey: "T1", Complexity: 3, QualityScore: 6, Iterations: 1,
		}, "")
		require.NoError(t, err)
	}

	rows, err := reg.ListRunRatings("a", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRatingArtifactWritten(t *testing.T) {
	svc, reg := setupService(t)
	seedAgent(t, reg, "a", 5.0, 5)

	dir := t.TempDir()
	_, err := svc.RateRun(RunInput{
		AgentSlug: "a", Complexity: 3, QualityScore: 8, Iterations: 1,
	}, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "rating.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"runScore"`)
}
