// internal/cli/cli.go
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/config"
	"github.com/mcoda/mcoda/internal/jobs"
	"github.com/mcoda/mcoda/internal/registry"
	"github.com/mcoda/mcoda/internal/telemetry"
	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

// Exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
	ExitJobFailed    = 3 // job status/watch on a terminal non-success job
)

// exitError carries an explicit exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// Main runs the CLI and returns the process exit code.
func Main(args []string) int {
	a := &app{}
	cmd := a.rootCmd()
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrPrecondition) {
		return ExitPrecondition
	}
	return ExitFailure
}

// app holds resolved configuration and the services commands open lazily.
// Commands only open what they need: `agent list` never touches the
// workspace store, `order-tasks` never touches the global registry.
type app struct {
	cfg *config.Config

	store   *workspace.Store
	reg     *registry.Registry
	ledger  *telemetry.Ledger
	runtime *jobs.Runtime
}

func (a *app) rootCmd() *cobra.Command {
	var workspaceFlag string

	cmd := &cobra.Command{
		Use:           "mcoda",
		Short:         "Workspace-scoped AI agent task orchestrator",
		Long:          "mcoda plans, routes, executes, and rates AI-agent work on a task backlog:\ndependency-aware ordering, gateway analysis, adaptive agent routing, and a\ncheckpointed work/review/qa execution engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if workspaceFlag != "" {
				os.Setenv("MCODA_WORKSPACE", workspaceFlag)
			}
			cfg, err := config.Load(".")
			if err != nil {
				return err
			}
			a.cfg = cfg
			configureLogging(cfg.LogLevel)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	cmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "workspace root (overrides MCODA_WORKSPACE and discovery)")

	cmd.AddCommand(
		a.trioCmd(),
		a.jobCmd(),
		a.orderTasksCmd(),
		a.taskCmd(),
		a.telemetryCmd(),
		a.agentCmd(),
		a.serveCmd(),
	)
	return cmd
}

func configureLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStore opens the workspace database, requiring a resolved workspace.
func (a *app) openStore() (*workspace.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := a.cfg.RequireWorkspace(); err != nil {
		return nil, err
	}
	store, err := workspace.Open(a.cfg.WorkspaceDBPath())
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// openRuntime opens the job runtime on top of the workspace store.
func (a *app) openRuntime() (*jobs.Runtime, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.runtime = jobs.NewRuntime(store, a.cfg.ResolveJobsDir(), jobs.NewBus(), nil)
	return a.runtime, nil
}

// openRegistry opens the global agent registry, seeding defaults on first
// use.
func (a *app) openRegistry() (*registry.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	reg, err := registry.Open(a.cfg.GlobalDBPath)
	if err != nil {
		return nil, err
	}
	if err := reg.Seed(nil); err != nil {
		reg.Close()
		return nil, err
	}
	a.reg = reg
	return reg, nil
}

// openLedger opens the telemetry ledger on the workspace database.
func (a *app) openLedger() (*telemetry.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	ledger, err := telemetry.New(store.DB())
	if err != nil {
		return nil, err
	}
	if a.cfg.TelemetryAPI != "" {
		if exp, err := telemetry.NewNATSExporter(a.cfg.TelemetryAPI); err == nil {
			ledger.SetExporter(exp)
		} else {
			slog.Warn("telemetry exporter not connected", "url", a.cfg.TelemetryAPI, "error", err)
		}
	}
	a.ledger = ledger
	return ledger, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.reg != nil {
		a.reg.Close()
		a.reg = nil
	}
}
