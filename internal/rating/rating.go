// internal/rating/rating.go
package rating

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mcoda/mcoda/internal/config"
	"github.com/mcoda/mcoda/internal/registry"
	"github.com/mcoda/mcoda/internal/types"
)

// Base budgets at complexity 5 (factor 1.0). The factor scales cost and
// duration; the iteration budget grows with complexity/3 on top.
const (
	baseCostUSD         = 1.0
	baseDurationSeconds = 600.0
	baseIterations      = 3
)

// Budget is the expected spend for a run at a given complexity.
type Budget struct {
	CostUSD         float64 `json:"costUsd"`
	DurationSeconds float64 `json:"durationSeconds"`
	Iterations      int     `json:"iterations"`
}

// BudgetFor derives the run budget from the requested complexity.
func BudgetFor(complexity int) Budget {
	factor := clamp(float64(complexity)/5, 0.5, 2)
	return Budget{
		CostUSD:         baseCostUSD * factor,
		DurationSeconds: baseDurationSeconds * factor,
		Iterations:      baseIterations + int(math.Round(float64(complexity)/3)),
	}
}

// RunInput is everything needed to rate one finished run.
type RunInput struct {
	AgentSlug       string
	JobID           string
	TaskKey         string
	Complexity      int
	QualityScore    float64 // 0..10
	TotalCost       float64
	DurationSeconds float64
	Iterations      int
}

// RunResult reports the computed score and any cap movement.
type RunResult struct {
	RunScore         float64 `json:"runScore"`
	Rating           float64 `json:"rating"`
	ReasoningRating  float64 `json:"reasoningRating"`
	MaxComplexity    int     `json:"maxComplexity"`
	ComplexityMoved  int     `json:"complexityMoved"` // -1, 0, or +1
	Budget           Budget  `json:"budget"`
}

// Service scores finished runs and folds them into agent EMA ratings and
// complexity caps. Every rated run leaves an AgentRunRating row.
type Service struct {
	reg *registry.Registry
	cfg config.RoutingConfig
	log *slog.Logger

	// now is injectable so cooldown behavior is testable.
	now func() time.Time
}

func New(reg *registry.Registry, cfg config.RoutingConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{reg: reg, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Score computes the run score from quality and budget overruns. Penalties
// only apply above budget; the result is clamped to [0,10].
func (s *Service) Score(in RunInput) (float64, Budget) {
	budget := BudgetFor(in.Complexity)

	costPenalty := overrun(in.TotalCost, budget.CostUSD)
	timePenalty := overrun(in.DurationSeconds, budget.DurationSeconds)
	iterPenalty := overrun(float64(in.Iterations), float64(budget.Iterations))

	score := in.QualityScore -
		s.cfg.CostWeight*costPenalty -
		s.cfg.TimeWeight*timePenalty -
		s.cfg.IterWeight*iterPenalty
	return clamp(score, 0, 10), budget
}

// RateRun scores the run, records it, updates the agent's EMA ratings, and
// adjusts the complexity cap if the cooldown has elapsed. artifactDir, when
// non-empty, receives a rating.json snapshot.
func (s *Service) RateRun(in RunInput, artifactDir string) (*RunResult, error) {
	agent, err := s.reg.GetAgent(in.AgentSlug)
	if err != nil {
		return nil, err
	}

	runScore, budget := s.Score(in)

	rr := &types.AgentRunRating{
		AgentSlug:       in.AgentSlug,
		JobID:           in.JobID,
		TaskKey:         in.TaskKey,
		Complexity:      in.Complexity,
		QualityScore:    in.QualityScore,
		RunScore:        runScore,
		TotalCost:       in.TotalCost,
		DurationSeconds: in.DurationSeconds,
		Iterations:      in.Iterations,
	}
	if err := s.reg.InsertRunRating(rr); err != nil {
		return nil, fmt.Errorf("record run rating: %w", err)
	}

	alpha := 2.0 / (float64(s.cfg.RatingWindow) + 1)
	agent.Rating += alpha * (runScore - agent.Rating)
	agent.ReasoningRating += alpha * (runScore - agent.ReasoningRating)
	agent.RatingSamples++

	moved := s.adjustComplexity(agent, in, runScore)

	if err := s.reg.SaveAgent(agent); err != nil {
		return nil, fmt.Errorf("save agent rating: %w", err)
	}

	res := &RunResult{
		RunScore:        runScore,
		Rating:          agent.Rating,
		ReasoningRating: agent.ReasoningRating,
		MaxComplexity:   agent.MaxComplexity,
		ComplexityMoved: moved,
		Budget:          budget,
	}

	if artifactDir != "" {
		if err := writeArtifact(artifactDir, in, res); err != nil {
			s.log.Warn("rating artifact not written", "dir", artifactDir, "error", err)
		}
	}

	s.log.Info("run rated",
		"agent", in.AgentSlug, "task", in.TaskKey,
		"run_score", runScore, "rating", agent.Rating, "max_complexity", agent.MaxComplexity)
	return res, nil
}

// adjustComplexity promotes or demotes the agent's cap at most once per
// cooldown window.
func (s *Service) adjustComplexity(agent *types.Agent, in RunInput, runScore float64) int {
	now := s.now()
	if !agent.ComplexityUpdatedAt.IsZero() && now.Sub(agent.ComplexityUpdatedAt) < s.cfg.Cooldown() {
		return 0
	}

	switch {
	case runScore >= 7.5 && in.QualityScore >= 7 && in.Complexity >= agent.MaxComplexity:
		if agent.MaxComplexity < 10 {
			agent.MaxComplexity++
			agent.ComplexityUpdatedAt = now
			return 1
		}
	case runScore <= 4.0 && in.Complexity <= agent.MaxComplexity:
		if agent.MaxComplexity > 1 {
			agent.MaxComplexity--
			agent.ComplexityUpdatedAt = now
			return -1
		}
	}
	return 0
}

func writeArtifact(dir string, in RunInput, res *RunResult) error {
	doc := map[string]any{
		"agent":      in.AgentSlug,
		"task":       in.TaskKey,
		"complexity": in.Complexity,
		"quality":    in.QualityScore,
		"result":     res,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "rating.json"), data, 0644)
}

func overrun(actual, budget float64) float64 {
	if budget <= 0 || actual <= budget {
		return 0
	}
	return (actual - budget) / budget
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
