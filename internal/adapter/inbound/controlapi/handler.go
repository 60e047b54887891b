// Package controlapi exposes the orchestrator's private HTTP surface: health
// and container status for the dashboard, L4 mode control, intelligence
// summaries, environment reset, and Prometheus metrics.
package controlapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/docker"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
)

// ContainerEntry is one row of the container status report.
type ContainerEntry struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	State  string `json:"state"`
	Ports  string `json:"ports"`
	Layer  string `json:"layer"`
}

// Handler serves the control API. The listener is private; only the
// mutating endpoints require the bearer token, and only when a token hash
// is configured.
type Handler struct {
	cli          docker.APIClient
	mode         *forensics.ModeFile
	intel        *intel.Store
	forensicsDir string
	tokenHash    string
	logger       *slog.Logger
	registry     *prometheus.Registry
}

// NewHandler creates the control API handler. cli may be nil when the
// Docker daemon is unavailable; container endpoints then degrade to empty
// results rather than failing the whole API.
func NewHandler(
	cli docker.APIClient,
	mode *forensics.ModeFile,
	store *intel.Store,
	forensicsDir string,
	tokenHash string,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		cli:          cli,
		mode:         mode,
		intel:        store,
		forensicsDir: forensicsDir,
		tokenHash:    tokenHash,
		logger:       logger,
		registry:     registry,
	}
}

// Routes returns the control API mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/containers", h.containers)
	mux.HandleFunc("GET /api/l4/mode", h.getMode)
	mux.HandleFunc("POST /api/l4/mode", h.requireToken(h.setMode))
	mux.HandleFunc("GET /api/l4/intel", h.getIntel)
	mux.HandleFunc("POST /api/reset", h.requireToken(h.reset))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	return mux
}

// requireToken enforces the bearer token on mutating endpoints. An empty
// configured hash disables the check for loopback-only deployments.
func (h *Handler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.tokenHash == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			h.respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		match, err := argon2id.ComparePasswordAndHash(token, h.tokenHash)
		if err != nil || !match {
			h.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// containers reports the project's containers split into infrastructure and
// sessions, keyed on the layer label. The template build container is
// excluded: it is always exited and not a real service.
func (h *Handler) containers(w http.ResponseWriter, r *http.Request) {
	infrastructure := []ContainerEntry{}
	sessions := []ContainerEntry{}

	if h.cli == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"infrastructure": infrastructure, "sessions": sessions,
		})
		return
	}

	list, err := h.cli.ContainerList(r.Context(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "project=labyrinth")),
	})
	if err != nil {
		h.logger.Error("container list failed", "error", err)
		h.respondJSON(w, http.StatusOK, map[string]any{
			"infrastructure": infrastructure, "sessions": sessions,
		})
		return
	}

	for _, c := range list {
		name := containerName(c.Names)
		if strings.Contains(name, "template") {
			continue
		}
		layer := c.Labels["layer"]
		entry := ContainerEntry{
			Name:   name,
			Status: c.Status,
			State:  c.State,
			Ports:  formatPorts(c.Ports),
			Layer:  layer,
		}
		if layer == "session" {
			sessions = append(sessions, entry)
		} else {
			infrastructure = append(infrastructure, entry)
		}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"infrastructure": infrastructure, "sessions": sessions,
	})
}

func (h *Handler) getMode(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"mode":        h.mode.Get(),
		"valid_modes": sortedModes(),
	})
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	_ = json.NewDecoder(r.Body).Decode(&payload)

	if err := h.mode.Set(payload.Mode); err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":       fmt.Sprintf("invalid mode: %s", payload.Mode),
			"valid_modes": sortedModes(),
		})
		return
	}

	h.logger.Info("interception mode changed", "mode", payload.Mode)
	h.respondJSON(w, http.StatusOK, map[string]string{
		"mode": payload.Mode, "status": "ok",
	})
}

func (h *Handler) getIntel(w http.ResponseWriter, _ *http.Request) {
	summaries := h.intel.Summaries()
	if summaries == nil {
		summaries = []intel.Summary{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"intel": summaries})
}

// reset force-removes every session container and clears the replayable
// forensic streams. Dossiers and prompts survive: reset clears the live
// environment, not the evidence archive.
func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	if h.cli == nil {
		h.respondError(w, http.StatusServiceUnavailable, "no docker client")
		return
	}

	removed := 0
	errors := []string{}

	list, err := h.cli.ContainerList(r.Context(), container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "project=labyrinth"),
			filters.Arg("label", "layer=session"),
		),
	})
	if err != nil {
		errors = append(errors, fmt.Sprintf("list containers: %v", err))
	}
	for _, c := range list {
		if err := h.cli.ContainerRemove(r.Context(), c.ID, container.RemoveOptions{Force: true}); err != nil {
			errors = append(errors, fmt.Sprintf("remove %s: %v", containerName(c.Names), err))
			continue
		}
		removed++
	}

	cleared := 0
	for _, pattern := range []string{"sessions/*.jsonl", "auth_events.jsonl", "http.jsonl"} {
		matches, err := filepath.Glob(filepath.Join(h.forensicsDir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil {
				errors = append(errors, fmt.Sprintf("remove %s: %v", path, err))
				continue
			}
			cleared++
		}
	}

	h.logger.Info("environment reset", "containers_removed", removed, "files_cleared", cleared)
	h.respondJSON(w, http.StatusOK, map[string]any{
		"containers_removed": removed,
		"files_cleared":      cleared,
		"errors":             errors,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	h.respondJSON(w, status, map[string]string{"error": msg})
}

func sortedModes() []string {
	modes := make([]string, len(forensics.ValidModes))
	copy(modes, forensics.ValidModes)
	sort.Strings(modes)
	return modes
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// formatPorts renders port bindings as "public:private" pairs, unbound
// ports as the bare private port, deduplicated in first-seen order.
func formatPorts(ports []container.Port) string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range ports {
		entry := fmt.Sprintf("%d", p.PrivatePort)
		if p.PublicPort != 0 {
			entry = fmt.Sprintf("%d:%d", p.PublicPort, p.PrivatePort)
		}
		if seen[entry] {
			continue
		}
		seen[entry] = true
		out = append(out, entry)
	}
	return strings.Join(out, ", ")
}
