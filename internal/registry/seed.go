// internal/registry/seed.go
package registry

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcoda/mcoda/internal/types"
)

// AgentsFile is the YAML shape of an agent seed/override file.
type AgentsFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one agent definition in YAML.
type AgentSpec struct {
	Slug           string   `yaml:"slug"`
	Adapter        string   `yaml:"adapter"`
	Model          string   `yaml:"model"`
	Capabilities   []string `yaml:"capabilities"`
	MaxComplexity  int      `yaml:"max_complexity"`
	CostPerMillion float64  `yaml:"cost_per_million"`
}

// LoadAgentsFile loads agent definitions from YAML.
func LoadAgentsFile(path string) (*AgentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file AgentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// defaultAgents seed a fresh registry so routing has something to pick from
// before any agents are registered explicitly.
var defaultAgents = []AgentSpec{
	{Slug: "stub-small", Adapter: "stub", Model: "stub-small", Capabilities: []string{"code", "docs"}, MaxComplexity: 4, CostPerMillion: 0.5},
	{Slug: "stub-large", Adapter: "stub", Model: "stub-large", Capabilities: []string{"code", "docs", "qa", "ops", "research"}, MaxComplexity: 8, CostPerMillion: 5},
}

// Seed inserts agents that are not yet registered. Existing agents keep
// their ratings and complexity caps.
func (r *Registry) Seed(specs []AgentSpec) error {
	if len(specs) == 0 {
		specs = defaultAgents
	}
	for _, spec := range specs {
		if _, err := r.GetAgent(spec.Slug); err == nil {
			continue
		}
		a := &types.Agent{
			Slug:           spec.Slug,
			Adapter:        spec.Adapter,
			Model:          spec.Model,
			Capabilities:   spec.Capabilities,
			Rating:         5.0,
			ReasoningRating: 5.0,
			MaxComplexity:  spec.MaxComplexity,
			CostPerMillion: spec.CostPerMillion,
		}
		if err := r.SaveAgent(a); err != nil {
			return err
		}
	}
	return nil
}
