// internal/types/usage.go
package types

import "time"

// TokenUsage is one immutable token-usage event recorded by the telemetry
// ledger. Cost is a pointer so "unknown" survives aggregation as null.
type TokenUsage struct {
	ID               string    `json:"id"`
	WorkspaceID      string    `json:"workspace_id,omitempty"`
	ProjectKey       string    `json:"project_key,omitempty"`
	AgentSlug        string    `json:"agent_slug,omitempty"`
	JobID            string    `json:"job_id,omitempty"`
	CommandRunID     string    `json:"command_run_id,omitempty"`
	TaskKey          string    `json:"task_key,omitempty"`
	Command          string    `json:"command,omitempty"`
	Action           string    `json:"action,omitempty"`
	InvocationKind   string    `json:"invocation_kind,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CachedTokens     int64     `json:"cached_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	DurationMs       int64     `json:"duration_ms,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds,omitempty"`
	CostEstimate     *float64  `json:"cost_estimate,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// EffectiveDurationMs prefers duration_ms, falling back to duration_seconds.
func (u *TokenUsage) EffectiveDurationMs() int64 {
	if u.DurationMs > 0 {
		return u.DurationMs
	}
	if u.DurationSeconds > 0 {
		return int64(u.DurationSeconds * 1000)
	}
	return 0
}
