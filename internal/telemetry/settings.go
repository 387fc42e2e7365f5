// internal/telemetry/settings.go
package telemetry

import (
	"fmt"

	"github.com/mcoda/mcoda/internal/types"
)

// Settings are the persisted telemetry toggles.
type Settings struct {
	LocalRecording bool `json:"localRecording"`
	RemoteExport   bool `json:"remoteExport"`
	OptOut         bool `json:"optOut"`
	Strict         bool `json:"strict"`
}

// GetConfig reads the current toggles.
func (l *Ledger) GetConfig() (Settings, error) {
	var s Settings
	err := l.db.QueryRow(`
		SELECT local_recording, remote_export, opt_out, strict FROM telemetry_config WHERE id = 1
	`).Scan(&s.LocalRecording, &s.RemoteExport, &s.OptOut, &s.Strict)
	if err != nil {
		return s, fmt.Errorf("%w: read telemetry config: %v", types.ErrStoreUnavailable, err)
	}
	return s, nil
}

// OptIn re-enables local recording and clears opt-out and strict.
func (l *Ledger) OptIn(remoteExport bool) (Settings, error) {
	return l.saveConfig(Settings{
		LocalRecording: true,
		RemoteExport:   remoteExport,
		OptOut:         false,
		Strict:         false,
	})
}

// OptOut disables remote export. strict additionally disables local
// recording so nothing is written at all.
func (l *Ledger) OptOut(strict bool) (Settings, error) {
	cur, err := l.GetConfig()
	if err != nil {
		return cur, err
	}
	return l.saveConfig(Settings{
		LocalRecording: cur.LocalRecording && !strict,
		RemoteExport:   false,
		OptOut:         true,
		Strict:         strict,
	})
}

func (l *Ledger) saveConfig(s Settings) (Settings, error) {
	_, err := l.db.Exec(`
		UPDATE telemetry_config SET local_recording = ?, remote_export = ?, opt_out = ?, strict = ? WHERE id = 1
	`, s.LocalRecording, s.RemoteExport, s.OptOut, s.Strict)
	if err != nil {
		return s, fmt.Errorf("%w: save telemetry config: %v", types.ErrStoreUnavailable, err)
	}
	return s, nil
}
