// internal/trio/state.go
package trio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcoda/mcoda/internal/types"
)

// stateDirName is the engine's subdirectory inside a job's artifact dir.
const stateDirName = "gateway-trio"

func stateDir(jobDir string) string {
	return filepath.Join(jobDir, stateDirName)
}

func statePath(jobDir string) string {
	return filepath.Join(stateDir(jobDir), "state.json")
}

// LoadState reads the trio state for a job. A missing file returns nil
// without error; a malformed file is fatal.
func LoadState(jobDir string) (*types.TrioState, error) {
	data, err := os.ReadFile(statePath(jobDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read trio state: %v", types.ErrStoreUnavailable, err)
	}

	var st types.TrioState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: trio state is corrupt: %v", types.ErrFatal, err)
	}
	if st.SchemaVersion != types.TrioSchemaVersion {
		return nil, fmt.Errorf("%w: trio state schema %d, expected %d",
			types.ErrFatal, st.SchemaVersion, types.TrioSchemaVersion)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*types.TaskProgress)
	}
	return &st, nil
}

// SaveState persists the state atomically: write to a temp file, fsync,
// rename over the old file. A crash leaves either the old or the new
// state, never a torn one.
func SaveState(jobDir string, st *types.TrioState) error {
	dir := stateDir(jobDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create state dir: %v", types.ErrStoreUnavailable, err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "state-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp state: %v", types.ErrStoreUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write state: %v", types.ErrStoreUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync state: %v", types.ErrStoreUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, statePath(jobDir)); err != nil {
		return fmt.Errorf("%w: replace state: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

// writeHandoff records a step's output as a numbered markdown file under
// gateway-trio/handoffs/.
func writeHandoff(jobDir string, seq int, taskKey string, step types.TrioStep, body string) error {
	dir := filepath.Join(stateDir(jobDir), "handoffs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("%02d-%s-%s.md", seq, taskKey, step)
	return os.WriteFile(filepath.Join(dir, name), []byte(body), 0644)
}
