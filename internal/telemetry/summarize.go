// internal/telemetry/summarize.go
package telemetry

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mcoda/mcoda/internal/types"
)

// GroupKey is a supported Summarize grouping dimension.
type GroupKey string

const (
	GroupProject GroupKey = "project"
	GroupAgent   GroupKey = "agent"
	GroupCommand GroupKey = "command"
	GroupDay     GroupKey = "day"
	GroupModel   GroupKey = "model"
	GroupJob     GroupKey = "job"
	GroupAction  GroupKey = "action"
)

// DefaultGroupBy is used when Summarize receives no groups.
var DefaultGroupBy = []GroupKey{GroupProject, GroupCommand, GroupAgent}

// groupColumns maps group keys to SQL expressions.
var groupColumns = map[GroupKey]string{
	GroupProject: "COALESCE(project_key, '')",
	GroupAgent:   "COALESCE(agent_slug, '')",
	GroupCommand: "COALESCE(command, '')",
	GroupDay:     "strftime('%Y-%m-%d', timestamp)",
	GroupModel:   "COALESCE(model, '')",
	GroupJob:     "COALESCE(job_id, '')",
	GroupAction:  "COALESCE(action, '')",
}

// SummaryRow is one aggregated usage row.
type SummaryRow struct {
	Groups           map[GroupKey]string `json:"groups"`
	PromptTokens     int64               `json:"prompt_tokens"`
	CompletionTokens int64               `json:"completion_tokens"`
	TotalTokens      int64               `json:"total_tokens"`
	CachedTokens     int64               `json:"cached_tokens"`
	CacheReadTokens  int64               `json:"cache_read_tokens"`
	CacheWriteTokens int64               `json:"cache_write_tokens"`
	DurationMs       int64               `json:"duration_ms"`
	CostEstimate     *float64            `json:"cost_estimate"` // null when no input had a cost
	Calls            int64               `json:"calls"`
}

// Summarize aggregates usage events by the given groups. Duration prefers
// duration_ms and falls back to duration_seconds*1000 per event; cost is
// null when every aggregated input was null.
func (l *Ledger) Summarize(f Filter, groupBy []GroupKey) ([]SummaryRow, error) {
	if len(groupBy) == 0 {
		groupBy = DefaultGroupBy
	}

	var cols []string
	for _, g := range groupBy {
		expr, ok := groupColumns[g]
		if !ok {
			return nil, fmt.Errorf("%w: unknown group %q", types.ErrValidation, g)
		}
		cols = append(cols, expr)
	}
	groupExpr := strings.Join(cols, ", ")

	where, args := f.where()
	query := `SELECT ` + groupExpr + `,
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cached_tokens), 0),
		COALESCE(SUM(cache_read_tokens), 0),
		COALESCE(SUM(cache_write_tokens), 0),
		COALESCE(SUM(COALESCE(duration_ms, CAST(duration_seconds * 1000 AS INTEGER), 0)), 0),
		SUM(cost_estimate),
		COUNT(*)
		FROM token_usage` + where + `
		GROUP BY ` + groupExpr + ` ORDER BY ` + groupExpr

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		row := SummaryRow{Groups: make(map[GroupKey]string, len(groupBy))}

		groupVals := make([]sql.NullString, len(groupBy))
		dest := make([]any, 0, len(groupBy)+9)
		for i := range groupVals {
			dest = append(dest, &groupVals[i])
		}
		var cost sql.NullFloat64
		dest = append(dest, &row.PromptTokens, &row.CompletionTokens, &row.TotalTokens,
			&row.CachedTokens, &row.CacheReadTokens, &row.CacheWriteTokens,
			&row.DurationMs, &cost, &row.Calls)

		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, g := range groupBy {
			row.Groups[g] = groupVals[i].String
		}
		if cost.Valid {
			c := cost.Float64
			row.CostEstimate = &c
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ParseGroupBy validates user-supplied group names.
func ParseGroupBy(names []string) ([]GroupKey, error) {
	var out []GroupKey
	for _, n := range names {
		g := GroupKey(strings.TrimSpace(strings.ToLower(n)))
		if _, ok := groupColumns[g]; !ok {
			return nil, fmt.Errorf("%w: unknown group %q", types.ErrValidation, n)
		}
		out = append(out, g)
	}
	return out, nil
}
