// internal/cli/telemetry.go
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcoda/mcoda/internal/telemetry"
)

func (a *app) telemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Token usage recording and reporting",
	}
	cmd.AddCommand(
		a.telemetrySummaryCmd(),
		a.telemetryOptInCmd(),
		a.telemetryOptOutCmd(),
	)
	return cmd
}

func (a *app) telemetrySummaryCmd() *cobra.Command {
	var (
		groupBy []string
		since   string
		until   string
		project string
		agent   string
		command string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate recorded token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}

			f := telemetry.Filter{ProjectKey: project, AgentSlug: agent, Command: command}
			if err := telemetry.ParseWindow(&f, since, until, time.Now().UTC()); err != nil {
				return err
			}

			groups := telemetry.DefaultGroupBy
			if len(groupBy) > 0 {
				if groups, err = telemetry.ParseGroupBy(groupBy); err != nil {
					return err
				}
			}

			rows, err := ledger.Summarize(f, groups)
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
	cmd.Flags().StringVar(&since, "since", "", "window start (RFC-3339 or relative like 24h, 7d)")
	cmd.Flags().StringVar(&until, "until", "", "window end (RFC-3339 or relative)")
	cmd.Flags().StringVar(&project, "project", "", "filter by project key")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent slug")
	cmd.Flags().StringVar(&command, "command", "", "filter by command")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func (a *app) telemetryOptInCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "opt-in",
		Short: "Enable usage recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			s, err := ledger.OptIn(remote)
			if err != nil {
				return err
			}
			printSettings(cmd, s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also export events to the configured NATS endpoint")
	return cmd
}

func (a *app) telemetryOptOutCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "opt-out",
		Short: "Disable remote export (and with --strict, local recording too)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			s, err := ledger.OptOut(strict)
			if err != nil {
				return err
			}
			printSettings(cmd, s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "stop local recording as well")
	return cmd
}

func printSettings(cmd *cobra.Command, s telemetry.Settings) {
	var parts []string
	parts = append(parts, "local recording "+onOff(s.LocalRecording))
	parts = append(parts, "remote export "+onOff(s.RemoteExport))
	if s.Strict {
		parts = append(parts, "strict")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "telemetry:", strings.Join(parts, ", "))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
