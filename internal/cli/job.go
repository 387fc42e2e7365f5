// internal/cli/job.go
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/telemetry"
	"github.com/mcoda/mcoda/internal/trio"
	"github.com/mcoda/mcoda/internal/types"
)

func (a *app) jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage durable jobs",
	}
	cmd.AddCommand(
		a.jobListCmd(),
		a.jobStatusCmd(),
		a.jobWatchCmd(),
		a.jobLogsCmd(),
		a.jobInspectCmd(),
		a.jobResumeCmd(),
		a.jobCancelCmd(),
		a.jobTokensCmd(),
	)
	return cmd
}

func (a *app) jobListCmd() *cobra.Command {
	var (
		states  []string
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			var filter []types.JobState
			for _, s := range states {
				state := types.JobState(s)
				if !types.IsValidJobState(state) {
					return fmt.Errorf("%w: unknown job state %q", types.ErrValidation, s)
				}
				filter = append(filter, state)
			}
			jobsList, err := store.ListJobs(filter, limit)
			if err != nil {
				return err
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), jobsList)
			}
			t := newTable(cmd.OutOrStdout(), "ID", "TYPE", "STATE", "CREATED", "ERROR")
			for _, j := range jobsList {
				t.row(j.ID, j.Type, j.State, fmtTime(j.CreatedAt), orDash(j.ErrorSummary))
			}
			t.flush()
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&states, "state", nil, "filter by job state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) jobStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <jobId>",
		Short: "Show a job's state; exits 3 when it finished unsuccessfully",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			job, err := store.GetJob(args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				if err := renderJSON(cmd.OutOrStdout(), job); err != nil {
					return err
				}
			} else {
				printJob(cmd, job)
			}
			return jobOutcomeErr(job)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) jobWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <jobId>",
		Short: "Poll a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var lastState types.JobState
			seen := 0
			for {
				job, err := store.GetJob(args[0])
				if err != nil {
					return err
				}
				if job.State != lastState {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  state: %s\n", fmtTime(time.Now()), job.State)
					lastState = job.State
				}
				cps, err := rt.Checkpoints(job.ID)
				if err != nil {
					return err
				}
				for ; seen < len(cps); seen++ {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  checkpoint: %s\n", fmtTime(cps[seen].Timestamp), cps[seen].Stage)
				}

				if types.IsTerminalJobState(job.State) {
					return jobOutcomeErr(job)
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

func (a *app) jobLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <jobId>",
		Short: "Print a job's log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			if _, err := a.store.GetJob(args[0]); err != nil {
				return err
			}
			log, err := rt.ReadLog(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), log)
			return nil
		},
	}
	return cmd
}

func (a *app) jobInspectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <jobId>",
		Short: "Show a job's manifest, checkpoints, and task runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			insp, err := rt.Inspect(args[0])
			if err != nil {
				return err
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), insp)
			}

			printJob(cmd, insp.Job)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\ncheckpoints (%d):\n", len(insp.Checkpoints))
			for _, cp := range insp.Checkpoints {
				fmt.Fprintf(out, "  %s  %s\n", fmtTime(cp.Timestamp), cp.Stage)
			}
			if len(insp.TaskRuns) > 0 {
				fmt.Fprintln(out)
				t := newTable(out, "TASK", "STEP", "ATTEMPT", "AGENT", "STATUS", "DECISION")
				for _, tr := range insp.TaskRuns {
					t.row(tr.TaskKey, tr.Step, tr.Attempt, orDash(tr.AgentSlug), tr.Status, orDash(tr.Decision))
				}
				t.flush()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) jobResumeCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "resume <jobId>",
		Short: "Resume an interrupted gateway-trio job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.jobForResume(args[0])
			if err != nil {
				return err
			}
			if job.Type != trio.JobType {
				return fmt.Errorf("%w: job %s is %q, only %s jobs resume", types.ErrValidation, job.ID, job.Type, trio.JobType)
			}

			engine, err := a.buildEngine()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := engine.Run(ctx, trio.Request{ResumeJobID: job.ID})
			if err != nil {
				return err
			}
			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), res)
			}
			printTrioResult(cmd, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) jobForResume(id string) (*types.Job, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return store.GetJob(id)
}

func (a *app) jobCancelCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <jobId>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime()
			if err != nil {
				return err
			}
			job, err := rt.Cancel(args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s\n", job.ID, job.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "record cancellation even on a terminal job")
	return cmd
}

func (a *app) jobTokensCmd() *cobra.Command {
	var (
		groupBy []string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "tokens <jobId>",
		Short: "Summarize token usage for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			if _, err := a.store.GetJob(args[0]); err != nil {
				return err
			}

			groups := []telemetry.GroupKey{telemetry.GroupAction, telemetry.GroupAgent}
			if len(groupBy) > 0 {
				groups, err = telemetry.ParseGroupBy(groupBy)
				if err != nil {
					return err
				}
			}
			rows, err := ledger.Summarize(telemetry.Filter{JobID: args[0]}, groups)
			if err != nil {
				return err
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), rows)
			}
			printSummary(cmd, rows, groups)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&groupBy, "group-by", nil, "grouping keys (project,agent,command,day,model,job,action)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func printJob(cmd *cobra.Command, job *types.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job:      %s\n", job.ID)
	fmt.Fprintf(out, "type:     %s\n", job.Type)
	fmt.Fprintf(out, "state:    %s\n", job.State)
	fmt.Fprintf(out, "created:  %s\n", fmtTime(job.CreatedAt))
	fmt.Fprintf(out, "updated:  %s\n", fmtTime(job.UpdatedAt))
	if job.ErrorSummary != "" {
		fmt.Fprintf(out, "error:    %s\n", job.ErrorSummary)
	}
}

// jobOutcomeErr maps a terminal non-success job to exit code 3.
func jobOutcomeErr(job *types.Job) error {
	if !types.IsTerminalJobState(job.State) || job.State == types.JobCompleted {
		return nil
	}
	msg := fmt.Sprintf("job %s finished %s", job.ID, job.State)
	if job.ErrorSummary != "" {
		msg += ": " + job.ErrorSummary
	}
	return &exitError{code: ExitJobFailed, err: fmt.Errorf("%s", msg)}
}

func printSummary(cmd *cobra.Command, rows []telemetry.SummaryRow, groups []telemetry.GroupKey) {
	headers := make([]string, 0, len(groups)+4)
	for _, g := range groups {
		headers = append(headers, strings.ToUpper(string(g)))
	}
	headers = append(headers, "CALLS", "PROMPT", "COMPLETION", "TOTAL", "COST")

	t := newTable(cmd.OutOrStdout(), headers...)
	for _, row := range rows {
		cells := make([]any, 0, len(headers))
		for _, g := range groups {
			cells = append(cells, orDash(row.Groups[g]))
		}
		cells = append(cells, row.Calls, row.PromptTokens, row.CompletionTokens, row.TotalTokens, fmtCost(row.CostEstimate))
		t.row(cells...)
	}
	t.flush()
}
