// internal/cli/tasks.go
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/selector"
	"github.com/mcoda/mcoda/internal/types"
	"github.com/mcoda/mcoda/internal/workspace"
)

func (a *app) orderTasksCmd() *cobra.Command {
	var (
		projectKey string
		epicKey    string
		storyKey   string
		statuses   []string
		order      string
		stageOrder string
		limit      int
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "order-tasks",
		Short: "Print a dependency-aware execution plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if order != "" && order != "dependencies" {
				return fmt.Errorf("%w: unknown order %q (only \"dependencies\")", types.ErrValidation, order)
			}

			req := selector.Request{
				ProjectKey:          projectKey,
				EpicKey:             epicKey,
				StoryKey:            storyKey,
				Limit:               limit,
				OrderByDependencies: order == "dependencies",
			}
			for _, s := range statuses {
				req.Statuses = append(req.Statuses, types.TaskStatus(s))
			}
			if stageOrder != "" {
				req.StageOrder = strings.Split(stageOrder, ",")
			}

			res, err := selector.New(store, nil).Select(req)
			if err != nil {
				return err
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			t := newTable(out, "#", "TASK", "STATUS", "PRIORITY", "IMPACT", "STAGE")
			for i, task := range res.Ordered {
				impact := res.Impact[task.Key]
				t.row(i+1, task.Key, task.Status, task.Priority, impact.Total, orDash(task.Stage))
			}
			t.flush()

			if len(res.Blocked) > 0 {
				fmt.Fprintf(out, "\nblocked (%d):\n", len(res.Blocked))
				for _, task := range res.Blocked {
					fmt.Fprintf(out, "  %s\n", task.Key)
				}
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&projectKey, "project", "", "project key")
	cmd.Flags().StringVar(&epicKey, "epic", "", "epic key")
	cmd.Flags().StringVar(&storyKey, "story", "", "user story key")
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&order, "order", "dependencies", "ordering strategy")
	cmd.Flags().StringVar(&stageOrder, "stage-order", "", "comma-separated stage buckets (e.g. foundation,backend,frontend,other)")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the ordered plan")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	cmd.AddCommand(a.taskShowCmd())
	return cmd
}

// taskDetail is the full task view rendered by `task show`.
type taskDetail struct {
	Task         *types.Task                  `json:"task" yaml:"task"`
	Dependencies []string                     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Comments     []*types.Comment             `json:"comments,omitempty" yaml:"comments,omitempty"`
	History      []workspace.TaskHistoryEntry `json:"history,omitempty" yaml:"history,omitempty"`
	Logs         []*types.TaskRun             `json:"logs,omitempty" yaml:"logs,omitempty"`
}

func (a *app) taskShowCmd() *cobra.Command {
	var (
		includeLogs    bool
		includeHistory bool
		format         string
	)

	cmd := &cobra.Command{
		Use:   "show <TASK_KEY>",
		Short: "Show one task with optional history and run logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			task, err := store.GetTask(args[0])
			if err != nil {
				return err
			}

			detail := &taskDetail{Task: task}
			deps, err := store.DependenciesFrom(task.Key)
			if err != nil {
				return err
			}
			for _, d := range deps {
				detail.Dependencies = append(detail.Dependencies, d.ToKey)
			}
			if detail.Comments, err = store.ListComments(task.Key); err != nil {
				return err
			}
			if includeHistory {
				if detail.History, err = store.TaskHistory(task.Key); err != nil {
					return err
				}
			}
			if includeLogs {
				if detail.Logs, err = a.taskRunsFor(task.Key); err != nil {
					return err
				}
			}

			switch format {
			case "json":
				return renderJSON(cmd.OutOrStdout(), detail)
			case "yaml":
				return renderYAML(cmd.OutOrStdout(), detail)
			case "", "table":
				printTaskDetail(cmd, detail)
				return nil
			default:
				return fmt.Errorf("%w: unknown format %q (table, json, yaml)", types.ErrValidation, format)
			}
		},
	}

	cmd.Flags().BoolVar(&includeLogs, "include-logs", false, "include task run records")
	cmd.Flags().BoolVar(&includeHistory, "include-history", false, "include status transition history")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json, yaml")
	return cmd
}

// taskRunsFor collects every run of a task across jobs.
func (a *app) taskRunsFor(taskKey string) ([]*types.TaskRun, error) {
	jobsList, err := a.store.ListJobs(nil, 0)
	if err != nil {
		return nil, err
	}
	var out []*types.TaskRun
	for _, j := range jobsList {
		runs, err := a.store.ListTaskRuns(j.ID)
		if err != nil {
			return nil, err
		}
		for _, tr := range runs {
			if tr.TaskKey == taskKey {
				out = append(out, tr)
			}
		}
	}
	return out, nil
}

func printTaskDetail(cmd *cobra.Command, d *taskDetail) {
	out := cmd.OutOrStdout()
	t := d.Task
	fmt.Fprintf(out, "task:      %s\n", t.Key)
	fmt.Fprintf(out, "title:     %s\n", t.Title)
	fmt.Fprintf(out, "status:    %s\n", t.Status)
	fmt.Fprintf(out, "priority:  %d\n", t.Priority)
	if t.StoryPoints > 0 {
		fmt.Fprintf(out, "points:    %d\n", t.StoryPoints)
	}
	if t.Stage != "" {
		fmt.Fprintf(out, "stage:     %s\n", t.Stage)
	}
	if t.AssignedTo != "" {
		fmt.Fprintf(out, "assignee:  %s\n", t.AssignedTo)
	}
	if len(d.Dependencies) > 0 {
		fmt.Fprintf(out, "depends:   %s\n", strings.Join(d.Dependencies, ", "))
	}
	if t.Description != "" {
		fmt.Fprintf(out, "\n%s\n", t.Description)
	}

	if len(d.Comments) > 0 {
		fmt.Fprintf(out, "\ncomments (%d):\n", len(d.Comments))
		for _, c := range d.Comments {
			fmt.Fprintf(out, "  [%s] %s: %s\n", fmtTime(c.CreatedAt), c.Author, c.Body)
		}
	}
	if len(d.History) > 0 {
		fmt.Fprintf(out, "\nhistory (%d):\n", len(d.History))
		for _, h := range d.History {
			line := fmt.Sprintf("  [%s] %s -> %s by %s", fmtTime(h.ChangedAt), h.FromStatus, h.ToStatus, h.ChangedBy)
			if h.Reason != "" {
				line += " (" + h.Reason + ")"
			}
			fmt.Fprintln(out, line)
		}
	}
	if len(d.Logs) > 0 {
		fmt.Fprintln(out)
		tab := newTable(out, "JOB", "STEP", "ATTEMPT", "AGENT", "STATUS")
		for _, tr := range d.Logs {
			tab.row(tr.JobID, tr.Step, tr.Attempt, orDash(tr.AgentSlug), tr.Status)
		}
		tab.flush()
	}
}
