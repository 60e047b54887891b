// Package forensics persists the evidence the deception layers produce:
// append-only event streams, routing maps, captured prompts, the L4 mode
// file, and retention cleanup. Everything lives on the shared forensics
// volume so the portal services and the interception proxy can read it.
package forensics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Closed set of event tags produced by the core.
const (
	EventConnection         = "connection"
	EventContainerSpawned   = "container_spawned"
	EventContainerReady     = "container_ready"
	EventDepthIncrease      = "depth_increase"
	EventEscalationDetected = "escalation_detected"
	EventBlindfoldActivated = "blindfold_activated"
	EventProxyInterception  = "proxy_interception_activated"
	EventAPIIntercepted     = "api_intercepted"
	EventAPIResponse        = "api_response"
	EventSessionEnd         = "session_end"
)

// timestampFormat matches the stream's ISO-8601 UTC shape with a literal Z.
const timestampFormat = "2006-01-02T15:04:05.000000Z"

// Event is the canonical forensic record. One JSON object per line,
// append-only, causal order within a session file.
type Event struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Layer     int            `json:"layer"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// EventSink receives every written event. The SIEM client implements this;
// a nil sink disables forwarding.
type EventSink interface {
	Push(Event)
}

// EventLog writes per-session forensic streams under {dir}/sessions.
type EventLog struct {
	dir     string
	logger  *slog.Logger
	sink    EventSink
	onError func()
}

// NewEventLog creates an event log rooted at the forensics directory.
func NewEventLog(dir string, sink EventSink, logger *slog.Logger) *EventLog {
	return &EventLog{dir: dir, logger: logger, sink: sink}
}

// SetFailureHook registers a callback invoked on every failed append, for
// failure counters. Must be set before the first Write.
func (l *EventLog) SetFailureHook(hook func()) {
	l.onError = hook
}

// Write appends one record to the session's stream and forwards it to the
// sink. The record is written whole or not at all: marshal first, single
// write call, then close.
func (l *EventLog) Write(sessionID string, layer int, tag string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	ev := Event{
		Timestamp: time.Now().UTC().Format(timestampFormat),
		SessionID: sessionID,
		Layer:     layer,
		Event:     tag,
		Data:      data,
	}

	if err := l.append(sessionID, ev); err != nil {
		l.logger.Error("forensic write failed",
			"session_id", sessionID, "event", tag, "error", err)
		if l.onError != nil {
			l.onError()
		}
	}

	if l.sink != nil {
		l.sink.Push(ev)
	}
	return ev
}

func (l *EventLog) append(sessionID string, ev Event) error {
	dir := filepath.Join(l.dir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create sessions dir: %w", err)
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open session stream: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ReadSession parses a session's stream, skipping malformed lines.
func (l *EventLog) ReadSession(sessionID string) ([]Event, error) {
	path := filepath.Join(l.dir, "sessions", sessionID+".jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session stream: %w", err)
	}

	var events []Event
	for _, line := range splitLines(raw) {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(raw []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, raw[start:])
	}
	return out
}
