// internal/config/routing.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// routingFile is the YAML shape of a routing config override file.
type routingFile struct {
	Routing *RoutingConfig `yaml:"routing"`
}

// LoadRoutingConfig loads router/rating tunables from YAML. Missing fields
// keep their defaults; the file may scope them under a "routing:" key or be
// a bare mapping.
func LoadRoutingConfig(path string) (RoutingConfig, error) {
	cfg := DefaultRouting()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var wrapped routingFile
	if err := yaml.Unmarshal(data, &wrapped); err != nil {
		return cfg, err
	}
	if wrapped.Routing != nil {
		merge(&cfg, wrapped.Routing)
	} else {
		var bare RoutingConfig
		if err := yaml.Unmarshal(data, &bare); err != nil {
			return cfg, err
		}
		merge(&cfg, &bare)
	}

	if cfg.StepTimeoutRaw != "" {
		d, err := time.ParseDuration(cfg.StepTimeoutRaw)
		if err != nil {
			return cfg, fmt.Errorf("invalid step_timeout %q: %w", cfg.StepTimeoutRaw, err)
		}
		cfg.StepTimeout = d
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func merge(dst, src *RoutingConfig) {
	if src.Epsilon != 0 {
		dst.Epsilon = src.Epsilon
	}
	if src.RatingWindow != 0 {
		dst.RatingWindow = src.RatingWindow
	}
	if src.CostWeight != 0 {
		dst.CostWeight = src.CostWeight
	}
	if src.TimeWeight != 0 {
		dst.TimeWeight = src.TimeWeight
	}
	if src.IterWeight != 0 {
		dst.IterWeight = src.IterWeight
	}
	if src.CooldownHours != 0 {
		dst.CooldownHours = src.CooldownHours
	}
	if src.StepTimeoutRaw != "" {
		dst.StepTimeoutRaw = src.StepTimeoutRaw
	}
}

func (r RoutingConfig) validate() error {
	if r.Epsilon < 0 || r.Epsilon > 1 {
		return fmt.Errorf("epsilon must be in [0,1], got %v", r.Epsilon)
	}
	if r.RatingWindow < 1 {
		return fmt.Errorf("rating_window must be >= 1, got %d", r.RatingWindow)
	}
	if r.CooldownHours < 0 {
		return fmt.Errorf("cooldown_hours must be >= 0, got %d", r.CooldownHours)
	}
	return nil
}
