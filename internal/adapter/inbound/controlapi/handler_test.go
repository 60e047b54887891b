package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexedwards/argon2id"
	"github.com/docker/docker/api/types/container"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/docker"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
)

// fakeDocker implements the subset of docker.APIClient the control API
// touches. The embedded interface panics on anything else, which is what we
// want: these handlers must not reach further into the daemon.
type fakeDocker struct {
	docker.APIClient

	containers []container.Summary
	listErr    error
	removeErr  error
	removed    []string
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	return f.containers, f.listErr
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHandler(t *testing.T, cli docker.APIClient, tokenHash string) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	h := NewHandler(
		cli,
		forensics.NewModeFile(dir),
		intel.NewStore(dir),
		dir,
		tokenHash,
		prometheus.NewRegistry(),
		testLogger(),
	)
	return h, dir
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("non-JSON response %q: %v", rec.Body.String(), err)
	}
	return rec, payload
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	rec, payload := doJSON(t, h.Routes(), http.MethodGet, "/api/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["status"] != "ok" {
		t.Errorf("status field = %v", payload["status"])
	}
}

func TestHandler_Containers(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{containers: []container.Summary{
		{
			Names:  []string{"/labyrinth-proxy"},
			State:  "running",
			Status: "Up 2 hours",
			Labels: map[string]string{"project": "labyrinth", "layer": "proxy"},
			Ports: []container.Port{
				{PrivatePort: 8443, PublicPort: 8443},
				{PrivatePort: 8443, PublicPort: 8443},
			},
		},
		{
			Names:  []string{"/labyrinth-session-lab-2026-0824-001"},
			State:  "running",
			Status: "Up 5 minutes",
			Labels: map[string]string{"project": "labyrinth", "layer": "session"},
			Ports:  []container.Port{{PrivatePort: 22}},
		},
		{
			Names:  []string{"/labyrinth-session-template-build"},
			State:  "exited",
			Labels: map[string]string{"project": "labyrinth"},
		},
	}}

	h, _ := testHandler(t, cli, "")
	rec, payload := doJSON(t, h.Routes(), http.MethodGet, "/api/containers", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	infra := payload["infrastructure"].([]any)
	sessions := payload["sessions"].([]any)
	if len(infra) != 1 || len(sessions) != 1 {
		t.Fatalf("infra = %d sessions = %d, template must be skipped", len(infra), len(sessions))
	}
	proxy := infra[0].(map[string]any)
	if proxy["name"] != "labyrinth-proxy" {
		t.Errorf("name = %v", proxy["name"])
	}
	if proxy["ports"] != "8443:8443" {
		t.Errorf("ports = %v, duplicates must collapse", proxy["ports"])
	}
	sess := sessions[0].(map[string]any)
	if sess["ports"] != "22" {
		t.Errorf("unbound port = %v", sess["ports"])
	}
}

func TestHandler_ContainersNoDaemon(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	rec, payload := doJSON(t, h.Routes(), http.MethodGet, "/api/containers", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(payload["infrastructure"].([]any)) != 0 || len(payload["sessions"].([]any)) != 0 {
		t.Error("no daemon must yield empty lists, not an error")
	}
}

func TestHandler_ModeRoundTrip(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	routes := h.Routes()

	rec, payload := doJSON(t, routes, http.MethodGet, "/api/l4/mode", "", nil)
	if rec.Code != http.StatusOK || payload["mode"] != forensics.ModePassive {
		t.Fatalf("default mode = %v (status %d)", payload["mode"], rec.Code)
	}
	if len(payload["valid_modes"].([]any)) != 4 {
		t.Errorf("valid_modes = %v", payload["valid_modes"])
	}

	rec, payload = doJSON(t, routes, http.MethodPost, "/api/l4/mode", `{"mode":"double_agent"}`, nil)
	if rec.Code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("set mode: status %d payload %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, routes, http.MethodGet, "/api/l4/mode", "", nil)
	if payload["mode"] != forensics.ModeDoubleAgent {
		t.Errorf("mode after set = %v", payload["mode"])
	}
	_ = rec
}

func TestHandler_SetModeInvalid(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	rec, payload := doJSON(t, h.Routes(), http.MethodPost, "/api/l4/mode", `{"mode":"aggressive"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if payload["error"] == nil || payload["valid_modes"] == nil {
		t.Errorf("payload = %v", payload)
	}
}

func TestHandler_Intel(t *testing.T) {
	t.Parallel()

	h, dir := testHandler(t, nil, "")
	store := intel.NewStore(dir)
	if _, err := store.Record("LAB-2026-0824-001", intel.Intercept{
		Timestamp: "2026-08-24T10:00:00.000000Z",
		Domain:    "api.openai.com",
		Model:     "gpt-4o",
	}); err != nil {
		t.Fatal(err)
	}

	rec, payload := doJSON(t, h.Routes(), http.MethodGet, "/api/l4/intel", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	reports := payload["intel"].([]any)
	if len(reports) != 1 {
		t.Fatalf("intel = %d entries", len(reports))
	}
	summary := reports[0].(map[string]any)
	if summary["models"].([]any)[0] != "gpt-4o" {
		t.Errorf("summary = %v", summary)
	}
}

func TestHandler_IntelEmpty(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	_, payload := doJSON(t, h.Routes(), http.MethodGet, "/api/l4/intel", "", nil)

	if reports, ok := payload["intel"].([]any); !ok || len(reports) != 0 {
		t.Errorf("intel = %v, want empty list not null", payload["intel"])
	}
}

func TestHandler_Reset(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{containers: []container.Summary{
		{ID: "ctr-1", Names: []string{"/labyrinth-session-a"}},
		{ID: "ctr-2", Names: []string{"/labyrinth-session-b"}},
	}}
	h, dir := testHandler(t, cli, "")

	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		filepath.Join(dir, "sessions", "LAB-2026-0824-001.jsonl"),
		filepath.Join(dir, "auth_events.jsonl"),
		filepath.Join(dir, "http.jsonl"),
	} {
		if err := os.WriteFile(name, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Dossiers survive a reset.
	keep := filepath.Join(dir, "intel")
	if err := os.MkdirAll(keep, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keep, "LAB-2026-0824-001.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, payload := doJSON(t, h.Routes(), http.MethodPost, "/api/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["containers_removed"] != 2.0 {
		t.Errorf("containers_removed = %v", payload["containers_removed"])
	}
	if payload["files_cleared"] != 3.0 {
		t.Errorf("files_cleared = %v", payload["files_cleared"])
	}
	if len(cli.removed) != 2 {
		t.Errorf("removed = %v", cli.removed)
	}
	if _, err := os.Stat(filepath.Join(keep, "LAB-2026-0824-001.json")); err != nil {
		t.Error("reset must not delete intel dossiers")
	}
}

func TestHandler_ResetCollectsErrors(t *testing.T) {
	t.Parallel()

	cli := &fakeDocker{
		containers: []container.Summary{{ID: "ctr-1", Names: []string{"/labyrinth-session-a"}}},
		removeErr:  errors.New("daemon busy"),
	}
	h, _ := testHandler(t, cli, "")

	rec, payload := doJSON(t, h.Routes(), http.MethodPost, "/api/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["containers_removed"] != 0.0 {
		t.Errorf("containers_removed = %v", payload["containers_removed"])
	}
	if len(payload["errors"].([]any)) != 1 {
		t.Errorf("errors = %v", payload["errors"])
	}
}

func TestHandler_ResetNoDaemon(t *testing.T) {
	t.Parallel()

	h, _ := testHandler(t, nil, "")
	rec, _ := doJSON(t, h.Routes(), http.MethodPost, "/api/reset", "", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandler_TokenAuth(t *testing.T) {
	t.Parallel()

	hash, err := argon2id.CreateHash("super-secret", argon2id.DefaultParams)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := testHandler(t, nil, hash)
	routes := h.Routes()

	// Read endpoints stay open.
	rec, _ := doJSON(t, routes, http.MethodGet, "/api/l4/mode", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET mode status = %d", rec.Code)
	}

	rec, _ = doJSON(t, routes, http.MethodPost, "/api/l4/mode", `{"mode":"passive"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	bad := http.Header{}
	bad.Set("Authorization", "Bearer wrong")
	rec, _ = doJSON(t, routes, http.MethodPost, "/api/l4/mode", `{"mode":"passive"}`, bad)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", rec.Code)
	}

	good := http.Header{}
	good.Set("Authorization", "Bearer super-secret")
	rec, _ = doJSON(t, routes, http.MethodPost, "/api/l4/mode", `{"mode":"neutralize"}`, good)
	if rec.Code != http.StatusOK {
		t.Errorf("good token status = %d", rec.Code)
	}
}

func TestHandler_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ContainersSpawned.Inc()
	m.ActiveSessions.Set(3)
	m.InterceptsTotal.WithLabelValues(forensics.ModePassive).Inc()

	dir := t.TempDir()
	h := NewHandler(nil, forensics.NewModeFile(dir), intel.NewStore(dir), dir, "", reg, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"labyrinth_containers_spawned_total 1",
		"labyrinth_active_sessions 3",
		`labyrinth_api_intercepts_total{mode="passive"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
