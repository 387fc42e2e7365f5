// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".mcoda"), 0755))
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, ok := FindWorkspaceRoot(nested)
	require.True(t, ok)
	assert.Equal(t, root, found)

	_, ok = FindWorkspaceRoot(t.TempDir())
	assert.False(t, ok)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCODA_WORKSPACE", "")
	t.Setenv("MCODA_CONFIG", "")
	t.Setenv("MCODA_CLI_STUB", "")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 0.1, cfg.Routing.Epsilon)
	assert.Equal(t, 50, cfg.Routing.RatingWindow)
	assert.Equal(t, 24, cfg.Routing.CooldownHours)
	assert.False(t, cfg.CLIStub)
	assert.Error(t, cfg.RequireWorkspace())
}

func TestLoadEnvOverrides(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".mcoda"), 0755))

	t.Setenv("MCODA_WORKSPACE", ws)
	t.Setenv("MCODA_CLI_STUB", "1")
	t.Setenv("MCODA_DB_PATH", "/tmp/custom.db")
	t.Setenv("MCODA_CONFIG", "")

	cfg, err := Load(ws)
	require.NoError(t, err)

	assert.Equal(t, ws, cfg.WorkspaceRoot)
	assert.True(t, cfg.CLIStub)
	assert.Equal(t, "/tmp/custom.db", cfg.WorkspaceDBPath())
	assert.Equal(t, filepath.Join(ws, ".mcoda", "jobs"), cfg.ResolveJobsDir())
	assert.NoError(t, cfg.RequireWorkspace())
}

func TestLoadRoutingConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routing:
  epsilon: 0.25
  rating_window: 20
  step_timeout: 90s
`), 0644))

	cfg, err := LoadRoutingConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.Epsilon)
	assert.Equal(t, 20, cfg.RatingWindow)
	assert.Equal(t, "90s", cfg.StepTimeoutRaw)
	assert.Equal(t, float64(90), cfg.StepTimeout.Seconds())
	// Untouched fields keep defaults
	assert.Equal(t, 1.0, cfg.CostWeight)
	assert.Equal(t, 24, cfg.CooldownHours)
}

func TestLoadRoutingConfigRejectsBadEpsilon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing:\n  epsilon: 3.0\n"), 0644))

	_, err := LoadRoutingConfig(path)
	assert.Error(t, err)
}
