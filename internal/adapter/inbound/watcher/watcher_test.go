package watcher

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		panic("unreachable")
	}
}

func TestWatcher_DispatchesAuthEvents(t *testing.T) {
	dir := t.TempDir()
	authCh := make(chan AuthEvent, 8)

	w := New(dir,
		func(ev AuthEvent) { authCh <- ev },
		func(EscalationEvent) { t.Error("unexpected escalation event") },
		discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendLine(t, filepath.Join(dir, AuthEventsFile),
		`{"timestamp":"2026-08-24T10:00:00.000000Z","event":"auth","service":"ssh","src_ip":"203.0.113.7","username":"root","password":"hunter2"}`)

	ev := waitFor(t, authCh)
	if ev.SrcIP != "203.0.113.7" {
		t.Errorf("src ip = %s", ev.SrcIP)
	}
	if ev.Service != "ssh" {
		t.Errorf("service = %s", ev.Service)
	}
	if ev.Username != "root" || ev.Password != "hunter2" {
		t.Errorf("credentials = %s/%s", ev.Username, ev.Password)
	}
}

func TestWatcher_DispatchesEscalationEvents(t *testing.T) {
	dir := t.TempDir()
	escCh := make(chan EscalationEvent, 8)

	w := New(dir,
		func(AuthEvent) { t.Error("unexpected auth event") },
		func(ev EscalationEvent) { escCh <- ev },
		discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendLine(t, filepath.Join(dir, EscalationEventsFile),
		`{"type":"bait_file_access","file":"/root/.aws/credentials","session_id":"LAB-2026-0824-001"}`)

	ev := waitFor(t, escCh)
	if ev.Type != "bait_file_access" {
		t.Errorf("type = %s", ev.Type)
	}
	if ev.SessionID != "LAB-2026-0824-001" {
		t.Errorf("session id = %s", ev.SessionID)
	}
}

func TestWatcher_OnlyNewLinesAfterOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, AuthEventsFile)
	authCh := make(chan AuthEvent, 8)

	w := New(dir, func(ev AuthEvent) { authCh <- ev }, func(EscalationEvent) {}, discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendLine(t, path, `{"event":"auth","src_ip":"203.0.113.1"}`)
	first := waitFor(t, authCh)
	if first.SrcIP != "203.0.113.1" {
		t.Errorf("first src ip = %s", first.SrcIP)
	}

	appendLine(t, path, `{"event":"auth","src_ip":"203.0.113.2"}`)
	second := waitFor(t, authCh)
	if second.SrcIP != "203.0.113.2" {
		t.Errorf("second src ip = %s, earlier lines must not replay", second.SrcIP)
	}

	select {
	case extra := <-authCh:
		t.Errorf("unexpected replayed event from %s", extra.SrcIP)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, AuthEventsFile)
	authCh := make(chan AuthEvent, 8)

	w := New(dir, func(ev AuthEvent) { authCh <- ev }, func(EscalationEvent) {}, discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendLine(t, path, `{not json at all`)
	appendLine(t, path, `{"event":"auth","src_ip":"203.0.113.9"}`)

	ev := waitFor(t, authCh)
	if ev.SrcIP != "203.0.113.9" {
		t.Errorf("src ip = %s, malformed line must be skipped", ev.SrcIP)
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	authCh := make(chan AuthEvent, 8)

	w := New(dir,
		func(ev AuthEvent) { authCh <- ev },
		func(EscalationEvent) { t.Error("unexpected escalation event") },
		discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	appendLine(t, filepath.Join(dir, "http.jsonl"), `{"method":"GET","path":"/"}`)
	appendLine(t, filepath.Join(dir, AuthEventsFile), `{"event":"auth","src_ip":"203.0.113.4"}`)

	ev := waitFor(t, authCh)
	if ev.SrcIP != "203.0.113.4" {
		t.Errorf("src ip = %s", ev.SrcIP)
	}
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w := New(t.TempDir(), func(AuthEvent) {}, func(EscalationEvent) {}, discard())
	if err := w.Stop(); err != nil {
		t.Errorf("stop before start = %v", err)
	}
}

func TestWatcher_StopReturnsNilAfterStart(t *testing.T) {
	w := New(t.TempDir(), func(AuthEvent) {}, func(EscalationEvent) {}, discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("stop = %v", err)
	}
}

func TestWatcher_StartCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "forensics")

	w := New(dir, func(AuthEvent) {}, func(EscalationEvent) {}, discard())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("forensics dir not created: %v", err)
	}
}
