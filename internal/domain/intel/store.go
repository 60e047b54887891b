package intel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store persists one dossier per session under {forensics}/intel. The
// interception pipeline is the single writer per session; the control API
// reads summaries.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a dossier store under the forensics directory.
func NewStore(forensicsDir string) *Store {
	return &Store{dir: filepath.Join(forensicsDir, "intel")}
}

// Record appends an intercept to the session's dossier and refreshes the
// summary. Returns the updated report.
func (s *Store) Record(sessionID string, in Intercept) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := s.load(sessionID)
	report.Intercepts = append(report.Intercepts, in)
	report.Summary.absorb(in, len(report.Intercepts))

	if err := s.save(report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// Load returns the session's dossier, or an empty report when none exists.
func (s *Store) Load(sessionID string) Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(sessionID)
}

// Summaries returns every stored dossier summary, sorted by session ID.
func (s *Store) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Summary, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var report Report
		if err := json.Unmarshal(raw, &report); err != nil {
			continue
		}
		out = append(out, report.Summary)
	}
	return out
}

func (s *Store) load(sessionID string) Report {
	report := Report{SessionID: sessionID}
	raw, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return report
	}
	// A corrupt dossier starts over; the per-session event stream still
	// holds the raw intercept history.
	_ = json.Unmarshal(raw, &report)
	report.SessionID = sessionID
	return report
}

func (s *Store) save(report Report) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create intel dir: %w", err)
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dossier: %w", err)
	}
	if err := os.WriteFile(s.path(report.SessionID), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write dossier: %w", err)
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}
