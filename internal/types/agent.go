// internal/types/agent.go
package types

import "time"

// HealthState is the reachability of an agent adapter
type HealthState string

const (
	HealthHealthy     HealthState = "healthy"
	HealthUnreachable HealthState = "unreachable"
	HealthUnknown     HealthState = "unknown"
)

// HealthStatus is the result of an adapter health probe
type HealthStatus struct {
	Status        HealthState `json:"status"`
	LatencyMs     int64       `json:"latencyMs"`
	LastCheckedAt time.Time   `json:"lastCheckedAt"`
}

// Agent is a globally registered execution agent. Agents live in the global
// registry database, never in a workspace.
type Agent struct {
	ID                  string    `json:"id"`
	Slug                string    `json:"slug"`
	Adapter             string    `json:"adapter"`
	Model               string    `json:"model,omitempty"`
	Capabilities        []string  `json:"capabilities,omitempty"`
	Rating              float64   `json:"rating"`
	ReasoningRating     float64   `json:"reasoningRating"`
	RatingSamples       int       `json:"ratingSamples"`
	MaxComplexity       int       `json:"maxComplexity"` // 1..10
	ComplexityUpdatedAt time.Time `json:"complexityUpdatedAt"`
	CostPerMillion      float64   `json:"costPerMillion"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// HasCapability reports whether the agent declares a capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AgentRunRating is one rated run; agent ratings are always derived from
// these records.
type AgentRunRating struct {
	ID              string    `json:"id"`
	AgentSlug       string    `json:"agent_slug"`
	JobID           string    `json:"job_id,omitempty"`
	TaskKey         string    `json:"task_key,omitempty"`
	Complexity      int       `json:"complexity"`
	QualityScore    float64   `json:"quality_score"`
	RunScore        float64   `json:"run_score"`
	TotalCost       float64   `json:"total_cost"`
	DurationSeconds float64   `json:"duration_seconds"`
	Iterations      int       `json:"iterations"`
	CreatedAt       time.Time `json:"created_at"`
}
