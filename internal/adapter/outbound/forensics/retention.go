package forensics

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// RetentionSummary reports what a cleanup pass deleted.
type RetentionSummary struct {
	SessionsDeleted int `json:"sessions_deleted"`
	PromptsDeleted  int `json:"prompts_deleted"`
}

// Retention purges aged forensic files by category-specific windows:
// session streams keep fingerprint evidence (long window), prompt captures
// hold credential material (short window).
type Retention struct {
	dir    string
	logger *slog.Logger
}

// NewRetention creates a retention manager over the forensics directory.
func NewRetention(dir string, logger *slog.Logger) *Retention {
	return &Retention{dir: dir, logger: logger}
}

// Cleanup deletes files older than their category's window, judged by
// mtime. Deletion errors are logged and skipped; the pass always finishes.
func (r *Retention) Cleanup(credentialsDays, fingerprintsDays int) RetentionSummary {
	now := time.Now()
	summary := RetentionSummary{
		SessionsDeleted: r.purgeDir(filepath.Join(r.dir, "sessions"), now,
			time.Duration(fingerprintsDays)*24*time.Hour),
		PromptsDeleted: r.purgeDir(filepath.Join(r.dir, "prompts"), now,
			time.Duration(credentialsDays)*24*time.Hour),
	}

	if summary.SessionsDeleted > 0 || summary.PromptsDeleted > 0 {
		r.logger.Info("retention cleanup finished",
			"sessions_deleted", summary.SessionsDeleted,
			"prompts_deleted", summary.PromptsDeleted)
	}
	return summary
}

func (r *Retention) purgeDir(dir string, now time.Time, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age <= maxAge {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn("retention could not delete file", "path", path, "error", err)
			continue
		}
		deleted++
		r.logger.Info("retention deleted aged file",
			"file", entry.Name(), "age_days", int(age.Hours()/24))
	}
	return deleted
}
