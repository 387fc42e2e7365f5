// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcoda/mcoda/internal/types"
)

// WorkspaceDirName is the dot-directory that marks a workspace root.
const WorkspaceDirName = ".mcoda"

// Config carries every externally resolved setting. It is built once in the
// CLI and passed to each service constructor; no package reads the
// environment after load.
type Config struct {
	// Workspace
	WorkspaceRoot string // directory containing .mcoda/
	JobsDir       string // override for <ws>/.mcoda/jobs
	CacheDir      string
	DBPath        string // override for <ws>/.mcoda/mcoda.db

	// Global registry
	HomeDir      string // default $HOME/.mcoda
	GlobalDBPath string // default <HomeDir>/mcoda.db

	// External services
	APIBaseURL     string
	TelemetryAPI   string // NATS URL for remote usage export
	TelemetryToken string

	// Behavior toggles
	CLIStub       bool // force stub adapter outputs
	SkipCLIChecks bool // skip adapter health probes
	LogLevel      string

	Routing RoutingConfig
}

// RoutingConfig holds router and rating tunables, loadable from YAML.
type RoutingConfig struct {
	Epsilon        float64       `yaml:"epsilon"`
	RatingWindow   int           `yaml:"rating_window"`
	CostWeight     float64       `yaml:"cost_weight"`
	TimeWeight     float64       `yaml:"time_weight"`
	IterWeight     float64       `yaml:"iteration_weight"`
	CooldownHours  int           `yaml:"cooldown_hours"`
	StepTimeout    time.Duration `yaml:"-"`
	StepTimeoutRaw string        `yaml:"step_timeout"`
}

// DefaultRouting returns the built-in routing defaults.
func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		Epsilon:       0.1,
		RatingWindow:  50,
		CostWeight:    1.0,
		TimeWeight:    0.5,
		IterWeight:    0.5,
		CooldownHours: 24,
	}
}

// Cooldown returns the complexity-cap cooldown as a duration.
func (r RoutingConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// Load resolves configuration from defaults, .env, and the environment.
// startDir is where workspace resolution begins (usually the CWD).
func Load(startDir string) (*Config, error) {
	// Best effort: a missing .env is not an error
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: "info",
		Routing:  DefaultRouting(),
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	cfg.HomeDir = filepath.Join(home, WorkspaceDirName)
	cfg.GlobalDBPath = filepath.Join(cfg.HomeDir, "mcoda.db")

	if ws := os.Getenv("MCODA_WORKSPACE"); ws != "" {
		cfg.WorkspaceRoot = ws
	} else if found, ok := FindWorkspaceRoot(startDir); ok {
		cfg.WorkspaceRoot = found
	}

	cfg.JobsDir = os.Getenv("MCODA_JOBS_DIR")
	cfg.CacheDir = os.Getenv("MCODA_CACHE_DIR")
	cfg.DBPath = os.Getenv("MCODA_DB_PATH")
	cfg.APIBaseURL = os.Getenv("MCODA_API_BASE_URL")
	cfg.TelemetryAPI = os.Getenv("MCODA_TELEMETRY_API")
	cfg.TelemetryToken = os.Getenv("MCODA_TELEMETRY_TOKEN")
	cfg.CLIStub = envBool("MCODA_CLI_STUB")
	cfg.SkipCLIChecks = envBool("MCODA_SKIP_CLI_CHECKS")
	if lvl := os.Getenv("MCODA_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}

	if path := os.Getenv("MCODA_CONFIG"); path != "" {
		if err := cfg.loadRoutingFile(path); err != nil {
			return nil, err
		}
	} else if cfg.WorkspaceRoot != "" {
		// Workspace-local overrides are optional
		path := filepath.Join(cfg.WorkspaceRoot, WorkspaceDirName, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			if err := cfg.loadRoutingFile(path); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

// RequireWorkspace fails with a precondition error when no workspace was
// resolved.
func (c *Config) RequireWorkspace() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("%w: no mcoda workspace found (run from a workspace or set MCODA_WORKSPACE)", types.ErrPrecondition)
	}
	return nil
}

// WorkspaceDir returns <root>/.mcoda.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.WorkspaceRoot, WorkspaceDirName)
}

// WorkspaceDBPath returns the workspace SQLite path, honoring the override.
func (c *Config) WorkspaceDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.WorkspaceDir(), "mcoda.db")
}

// ResolveJobsDir returns the jobs artifact directory, honoring the override.
func (c *Config) ResolveJobsDir() string {
	if c.JobsDir != "" {
		return c.JobsDir
	}
	return filepath.Join(c.WorkspaceDir(), "jobs")
}

// FindWorkspaceRoot walks up from dir looking for a .mcoda directory.
func FindWorkspaceRoot(dir string) (string, bool) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		marker := filepath.Join(cur, WorkspaceDirName)
		if info, err := os.Stat(marker); err == nil && info.IsDir() {
			return cur, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

func (c *Config) loadRoutingFile(path string) error {
	routing, err := LoadRoutingConfig(path)
	if err != nil {
		return fmt.Errorf("load routing config %s: %w", path, err)
	}
	c.Routing = routing
	return nil
}

func envBool(key string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		// Any non-empty unparseable value counts as set (e.g. "yes")
		return true
	}
	return b
}
