// internal/cli/trio.go
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/rating"
	"github.com/mcoda/mcoda/internal/router"
	"github.com/mcoda/mcoda/internal/selector"
	"github.com/mcoda/mcoda/internal/trio"
	"github.com/mcoda/mcoda/internal/types"
)

func (a *app) trioCmd() *cobra.Command {
	var (
		projectKey    string
		epicKey       string
		storyKey      string
		taskKeys      []string
		statuses      []string
		maxIterations int
		maxCycles     int
		parallel      int
		dryRun        bool
		noCommit      bool
		reviewBase    string
		avoidAgents   []string
		resumeJobID   string
		jsonOut       bool
	)

	cmd := &cobra.Command{
		Use:   "gateway-trio",
		Short: "Run selected tasks through the work/review/qa ladder",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.buildEngine()
			if err != nil {
				return err
			}

			sel := selector.Request{
				ProjectKey: projectKey,
				EpicKey:    epicKey,
				StoryKey:   storyKey,
				TaskKeys:   taskKeys,
			}
			for _, s := range statuses {
				sel.Statuses = append(sel.Statuses, types.TaskStatus(s))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			crID, err := a.startCommandRun("gateway-trio", os.Args[1:])
			if err != nil {
				return err
			}

			res, runErr := engine.Run(ctx, trio.Request{
				Selection:     sel,
				MaxIterations: maxIterations,
				MaxCycles:     maxCycles,
				Parallel:      parallel,
				DryRun:        dryRun,
				NoCommit:      noCommit,
				ReviewBase:    reviewBase,
				AvoidAgents:   avoidAgents,
				CommandRunID:  crID,
				ResumeJobID:   resumeJobID,
			})
			a.finishCommandRun(crID, exitCode(runErr))
			if runErr != nil {
				return runErr
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), res)
			}
			printTrioResult(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectKey, "project", "", "project key")
	cmd.Flags().StringVar(&epicKey, "epic", "", "epic key")
	cmd.Flags().StringVar(&storyKey, "story", "", "user story key")
	cmd.Flags().StringArrayVar(&taskKeys, "task", nil, "explicit task key (repeatable)")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "candidate task status filter (repeatable)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "per-task attempt budget (default 3)")
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 0, "outer cycle budget (default 5)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "run up to N independent tasks concurrently")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "execute without mutating task statuses")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "ask executors not to commit")
	cmd.Flags().StringVar(&reviewBase, "review-base", "", "base ref for review diffs")
	cmd.Flags().StringArrayVar(&avoidAgents, "avoid", nil, "agent slug to exclude (repeatable)")
	cmd.Flags().StringVar(&resumeJobID, "resume", "", "resume an interrupted trio job")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

// buildEngine wires the full trio dependency set from config.
func (a *app) buildEngine() (*trio.Engine, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	reg, err := a.openRegistry()
	if err != nil {
		return nil, err
	}
	ledger, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	runtime, err := a.openRuntime()
	if err != nil {
		return nil, err
	}

	routing := a.cfg.Routing
	return trio.New(trio.Deps{
		Config:   a.cfg,
		Store:    store,
		Registry: reg,
		Ledger:   ledger,
		Runtime:  runtime,
		Selector: selector.New(store, nil),
		Router:   router.New(routing.Epsilon, router.NewRand(time.Now().UnixNano()), nil),
		Rating:   rating.New(reg, routing, nil),
	}), nil
}

func (a *app) startCommandRun(command string, args []string) (string, error) {
	store, err := a.openStore()
	if err != nil {
		return "", err
	}
	cr := &types.CommandRun{Command: command, Args: args}
	if err := store.InsertCommandRun(cr); err != nil {
		return "", err
	}
	return cr.ID, nil
}

func (a *app) finishCommandRun(id string, code int) {
	if id == "" || a.store == nil {
		return
	}
	a.store.FinishCommandRun(id, code)
}

func printTrioResult(cmd *cobra.Command, res *trio.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s: %s\n", res.Job.ID, res.Job.State)
	if res.Job.ErrorSummary != "" {
		fmt.Fprintln(out, res.Job.ErrorSummary)
	}

	t := newTable(out, "TASK", "STATUS", "ATTEMPTS", "WORK", "REVIEW", "QA", "NOTE")
	for _, key := range sortedTaskKeys(res.State) {
		p := res.State.Tasks[key]
		t.row(key, p.Status, p.Attempts,
			orDash(p.ChosenAgents.Work), orDash(p.ChosenAgents.Review), orDash(p.ChosenAgents.QA),
			orDash(p.LastError))
	}
	t.flush()

	for _, w := range res.Warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
	}
}

func sortedTaskKeys(st *types.TrioState) []string {
	keys := make([]string, 0, len(st.Tasks))
	for k := range st.Tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
