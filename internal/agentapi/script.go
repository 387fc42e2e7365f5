// internal/agentapi/script.go
package agentapi

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mcoda/mcoda/internal/types"
)

// killGrace is how long a cancelled subprocess gets to exit on SIGTERM
// before it is killed.
const killGrace = 5 * time.Second

// ScriptAdapter shells out to an agent CLI. The prompt is written to
// stdin; stdout is the reply. Cancellation sends SIGTERM first and kills
// after the grace period.
type ScriptAdapter struct {
	Command string
	Args    []string
	Model   string
}

func NewScript(command string, args []string, model string) *ScriptAdapter {
	return &ScriptAdapter{Command: command, Args: args, Model: model}
}

func (s *ScriptAdapter) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string(nil), s.Args...)
	if req.TaskKey != "" {
		args = append(args, "--task", req.TaskKey)
	}
	if req.Step != "" {
		args = append(args, "--step", req.Step)
	}

	cmd := exec.CommandContext(ctx, s.Command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s timed out after %s", types.ErrAgentUnreachable, s.Command, elapsed.Round(time.Millisecond))
		}
		return nil, fmt.Errorf("%w: %s interrupted", types.ErrCancelled, s.Command)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s: %s", types.ErrStepFailure, s.Command, msg)
	}

	return &InvokeResult{
		Output:  stdout.String(),
		Adapter: "cli",
		Model:   s.Model,
		Usage: &types.TokenUsage{
			DurationMs: elapsed.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		},
	}, nil
}

// HealthCheck probes the CLI with --version under a short deadline.
func (s *ScriptAdapter) HealthCheck(ctx context.Context) types.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := exec.CommandContext(ctx, s.Command, "--version").Run()
	status := types.HealthStatus{
		LatencyMs:     time.Since(start).Milliseconds(),
		LastCheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Status = types.HealthUnreachable
	} else {
		status.Status = types.HealthHealthy
	}
	return status
}
