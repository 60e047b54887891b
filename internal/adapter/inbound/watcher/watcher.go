// Package watcher tails the global forensic JSONL streams and dispatches
// parsed events to the orchestrator.
package watcher

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// The two files watched. Everything else in the forensics directory is
// ignored, including the per-session logs this process writes itself.
const (
	AuthEventsFile       = "auth_events.jsonl"
	EscalationEventsFile = "escalation_events.jsonl"
)

// AuthEvent is one credential capture appended by a portal trap service.
type AuthEvent struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Service   string `json:"service"`
	SrcIP     string `json:"src_ip"`
	Username  string `json:"username"`
	Password  string `json:"password,omitempty"`
}

// EscalationEvent is one privilege-escalation signal appended by a session
// container's bait watcher. SessionID may be empty when the container could
// not determine its own identity.
type EscalationEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	File      string `json:"file,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Watcher monitors the forensics directory with fsnotify and reads the two
// event streams incrementally. Per file it remembers the last byte offset
// read, so each modification delivers only the appended lines. Callbacks run
// on the watcher's dispatch goroutine, one event at a time.
type Watcher struct {
	dir          string
	onAuth       func(AuthEvent)
	onEscalation func(EscalationEvent)
	logger       *slog.Logger

	mu      sync.Mutex
	offsets map[string]int64

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// New creates a watcher over dir. Neither callback may be nil.
func New(dir string, onAuth func(AuthEvent), onEscalation func(EscalationEvent), logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:          dir,
		onAuth:       onAuth,
		onEscalation: onEscalation,
		logger:       logger,
		offsets:      make(map[string]int64),
	}
}

// Start creates the forensics directory if needed, registers the fsnotify
// watch, and launches the dispatch goroutine.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create forensics dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	go w.loop()

	w.logger.Info("event watcher started", "dir", w.dir)
	return nil
}

// Stop closes the underlying watcher and waits for the dispatch goroutine
// to drain.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	w.logger.Info("event watcher stopped")
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.handle(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(path string) {
	switch filepath.Base(path) {
	case AuthEventsFile:
		w.processNewLines(path, w.dispatchAuth)
	case EscalationEventsFile:
		w.processNewLines(path, w.dispatchEscalation)
	}
}

// processNewLines reads from the remembered offset to EOF and feeds each
// non-empty line to dispatch. The offset advances to the new EOF even when
// individual lines fail to parse, so a poisoned line cannot wedge the
// stream.
func (w *Watcher) processNewLines(path string, dispatch func(string)) {
	w.mu.Lock()
	offset := w.offsets[path]
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("cannot read event stream", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		w.logger.Warn("cannot seek event stream", "path", path, "error", err)
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		w.logger.Warn("cannot read event stream", "path", path, "error", err)
		return
	}

	w.mu.Lock()
	w.offsets[path] = offset + int64(len(data))
	w.mu.Unlock()

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dispatch(line)
	}
}

func (w *Watcher) dispatchAuth(line string) {
	var ev AuthEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		w.logger.Warn("malformed auth event", "line", truncate(line, 100))
		return
	}
	w.onAuth(ev)
}

func (w *Watcher) dispatchEscalation(line string) {
	var ev EscalationEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		w.logger.Warn("malformed escalation event", "line", truncate(line, 100))
		return
	}
	w.onEscalation(ev)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
