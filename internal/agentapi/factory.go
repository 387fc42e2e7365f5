// internal/agentapi/factory.go
package agentapi

import (
	"context"
	"fmt"

	"github.com/mcoda/mcoda/internal/config"
	"github.com/mcoda/mcoda/internal/types"
)

// ForAgent builds the adapter backing a registered agent. MCODA_CLI_STUB
// forces the stub for every agent.
func ForAgent(agent *types.Agent, cfg *config.Config) (Adapter, error) {
	if cfg != nil && cfg.CLIStub {
		return NewStub(agent.Model), nil
	}

	switch agent.Adapter {
	case "stub":
		return NewStub(agent.Model), nil
	case "cli", "script":
		if agent.Model == "" {
			return nil, fmt.Errorf("%w: agent %s has no model command configured", types.ErrValidation, agent.Slug)
		}
		return NewScript(agent.Model, nil, agent.Model), nil
	default:
		return nil, fmt.Errorf("%w: unknown adapter %q for agent %s", types.ErrValidation, agent.Adapter, agent.Slug)
	}
}

// Probe health-checks an agent unless probes are disabled.
func Probe(ctx context.Context, agent *types.Agent, cfg *config.Config) types.HealthStatus {
	if cfg != nil && cfg.SkipCLIChecks {
		return types.HealthStatus{Status: types.HealthUnknown}
	}
	adapter, err := ForAgent(agent, cfg)
	if err != nil {
		return types.HealthStatus{Status: types.HealthUnreachable}
	}
	return adapter.HealthCheck(ctx)
}
