package siem

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_Push(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []map[string]any
	done := make(chan struct{}, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() { done <- struct{}{} }()
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	}))
	defer srv.Close()

	c := NewClient(config.SiemConfig{
		Enabled:     true,
		Endpoint:    srv.URL,
		AlertPrefix: "LABYRINTH",
	}, discard())

	c.Push(forensics.Event{
		Timestamp: "2026-08-24T10:00:00.000000Z",
		SessionID: "LAB-2026-0824-001",
		Layer:     1,
		Event:     forensics.EventConnection,
		Data:      map[string]any{"src_ip": "203.0.113.7"},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push never reached the endpoint")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d payloads, want 1", len(received))
	}
	p := received[0]
	if p["alert_prefix"] != "LABYRINTH" {
		t.Errorf("alert_prefix = %v", p["alert_prefix"])
	}
	if p["instance"] == "" || p["instance"] == nil {
		t.Error("missing instance id")
	}
	if p["event"] != forensics.EventConnection {
		t.Errorf("event = %v", p["event"])
	}
}

func TestClient_PushDisabled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("disabled client must not POST")
	}))
	defer srv.Close()

	c := NewClient(config.SiemConfig{Enabled: false, Endpoint: srv.URL}, discard())
	c.Push(forensics.Event{Event: forensics.EventConnection})

	// Give a stray goroutine a moment to misbehave before the server closes.
	time.Sleep(50 * time.Millisecond)
}

func TestClient_InstanceStablePerProcess(t *testing.T) {
	t.Parallel()

	c := NewClient(config.SiemConfig{Enabled: true, Endpoint: "http://127.0.0.1:0"}, discard())
	if c.instance == "" {
		t.Fatal("instance id not minted")
	}
	other := NewClient(config.SiemConfig{}, discard())
	if c.instance == other.instance {
		t.Error("two clients share an instance id")
	}
}
