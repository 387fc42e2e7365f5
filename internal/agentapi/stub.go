// internal/agentapi/stub.go
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcoda/mcoda/internal/types"
)

// StubAdapter produces deterministic canned outputs. It backs the seeded
// stub agents and is forced for every agent when MCODA_CLI_STUB is set, so
// the whole pipeline can run without a real model behind it.
type StubAdapter struct {
	Model string

	// Handler overrides the canned output when set. Tests use it to
	// script step outcomes.
	Handler func(req *InvokeRequest) (string, error)
}

func NewStub(model string) *StubAdapter {
	if model == "" {
		model = "stub-1"
	}
	return &StubAdapter{Model: model}
}

func (s *StubAdapter) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	output := ""
	if s.Handler != nil {
		var err error
		output, err = s.Handler(req)
		if err != nil {
			return nil, err
		}
	} else {
		output = s.canned(req)
	}

	return &InvokeResult{
		Output:  output,
		Adapter: "stub",
		Model:   s.Model,
		Usage: &types.TokenUsage{
			PromptTokens:     int64(len(req.Prompt) / 4),
			CompletionTokens: int64(len(output) / 4),
			TotalTokens:      int64(len(req.Prompt)/4 + len(output)/4),
			DurationMs:       1,
			Timestamp:        time.Now().UTC(),
		},
	}, nil
}

func (s *StubAdapter) canned(req *InvokeRequest) string {
	switch req.Step {
	case "gateway":
		analysis := map[string]any{
			"summary":            "stubbed analysis for " + req.TaskKey,
			"reasoningSummary":   "stub",
			"currentState":       "unknown",
			"todo":               "implement",
			"understanding":      "stub understanding",
			"plan":               []string{"do the work"},
			"complexity":         3,
			"discipline":         "code",
			"filesLikelyTouched": []string{},
			"filesToCreate":      []string{},
			"assumptions":        []string{},
			"risks":              []string{},
			"docdexNotes":        []string{},
		}
		data, _ := json.Marshal(analysis)
		return string(data)
	case "work":
		return `{"outcome":"succeeded","summary":"work done"}`
	case "review":
		return `{"decision":"approve","summary":"looks good"}`
	case "qa":
		return `{"outcome":"pass","summary":"verified"}`
	default:
		return "ok"
	}
}

func (s *StubAdapter) HealthCheck(ctx context.Context) types.HealthStatus {
	return types.HealthStatus{
		Status:        types.HealthHealthy,
		LastCheckedAt: time.Now().UTC(),
	}
}
