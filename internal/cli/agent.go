// internal/cli/agent.go
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (a *app) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect the global agent registry",
	}
	cmd.AddCommand(a.agentListCmd())
	return cmd
}

func (a *app) agentListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents with ratings and complexity caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			agents, err := reg.ListAgents()
			if err != nil {
				return err
			}

			if jsonOut {
				return renderJSON(cmd.OutOrStdout(), agents)
			}
			t := newTable(cmd.OutOrStdout(), "SLUG", "ADAPTER", "MODEL", "RATING", "REASONING", "MAXCPLX", "SAMPLES", "$/M", "CAPABILITIES")
			for _, ag := range agents {
				t.row(ag.Slug, ag.Adapter, orDash(ag.Model),
					fmtRating(ag.Rating), fmtRating(ag.ReasoningRating),
					ag.MaxComplexity, ag.RatingSamples,
					fmtRating(ag.CostPerMillion),
					strings.Join(ag.Capabilities, ","))
			}
			t.flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

func fmtRating(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
