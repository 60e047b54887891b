package forensics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PromptCapture archives original system prompts extracted by the
// interceptor, one text file per session under {dir}/prompts.
type PromptCapture struct {
	dir string
}

// NewPromptCapture creates a capture store under the forensics directory.
func NewPromptCapture(dir string) *PromptCapture {
	return &PromptCapture{dir: filepath.Join(dir, "prompts")}
}

// Save appends a captured prompt with a timestamped domain header.
func (p *PromptCapture) Save(sessionID, domain, prompt string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create prompts dir: %w", err)
	}

	path := filepath.Join(p.dir, sessionID+".txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open prompt capture: %w", err)
	}
	defer f.Close()

	header := fmt.Sprintf("--- %s | %s ---\n", time.Now().UTC().Format(timestampFormat), domain)
	if _, err := f.WriteString(header + prompt + "\n\n"); err != nil {
		return fmt.Errorf("failed to append prompt: %w", err)
	}
	return nil
}
