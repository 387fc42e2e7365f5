// internal/agentapi/adapter.go
package agentapi

import (
	"context"
	"time"

	"github.com/mcoda/mcoda/internal/types"
)

// InvokeRequest carries one prompt to an agent.
type InvokeRequest struct {
	Prompt   string
	TaskKey  string
	Step     string
	Timeout  time.Duration
	Metadata map[string]any
}

// InvokeResult is the agent's reply plus attribution for telemetry.
type InvokeResult struct {
	Output   string
	Adapter  string
	Model    string
	Metadata map[string]any
	Usage    *types.TokenUsage
}

// Adapter is the contract every agent backend implements.
type Adapter interface {
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error)
	HealthCheck(ctx context.Context) types.HealthStatus
}

// Streamer is implemented by adapters that can deliver output
// incrementally. onChunk is called in order; a non-nil return aborts the
// stream.
type Streamer interface {
	InvokeStream(ctx context.Context, req *InvokeRequest, onChunk func(chunk string) error) (*InvokeResult, error)
}
