package forensics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ModeFileName is the L4 mode file on the forensics volume. The control API
// writes it; the interceptor reads it on every request so mode changes take
// effect without restarts.
const ModeFileName = "l4_mode.json"

// Interceptor modes.
const (
	ModePassive      = "passive"
	ModeNeutralize   = "neutralize"
	ModeDoubleAgent  = "double_agent"
	ModeCounterIntel = "counter_intel"
)

// ValidModes lists the accepted interceptor modes.
var ValidModes = []string{ModePassive, ModeNeutralize, ModeDoubleAgent, ModeCounterIntel}

// IsValidMode reports whether mode is one of the accepted values.
func IsValidMode(mode string) bool {
	for _, m := range ValidModes {
		if m == mode {
			return true
		}
	}
	return false
}

// ModeFile reads and writes the live L4 mode.
type ModeFile struct {
	path string
}

// NewModeFile opens the mode file under the forensics directory.
func NewModeFile(dir string) *ModeFile {
	return &ModeFile{path: filepath.Join(dir, ModeFileName)}
}

// Get returns the active mode. A missing or corrupt file falls back to the
// LABYRINTH_L4_MODE environment variable, then to passive.
func (m *ModeFile) Get() string {
	raw, err := os.ReadFile(m.path)
	if err == nil {
		var payload struct {
			Mode string `json:"mode"`
		}
		if json.Unmarshal(raw, &payload) == nil && IsValidMode(payload.Mode) {
			return payload.Mode
		}
	}
	if env := os.Getenv("LABYRINTH_L4_MODE"); env != "" {
		return env
	}
	return ModePassive
}

// Set writes the mode. Invalid modes are rejected.
func (m *ModeFile) Set(mode string) error {
	if !IsValidMode(mode) {
		return fmt.Errorf("invalid mode %q, valid modes: %v", mode, ValidModes)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create mode dir: %w", err)
	}

	raw, err := json.MarshalIndent(map[string]string{
		"mode":    mode,
		"updated": time.Now().UTC().Format(timestampFormat),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mode: %w", err)
	}
	if err := os.WriteFile(m.path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write mode file: %w", err)
	}
	return nil
}
