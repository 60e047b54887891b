// Package siem pushes forensic events to an external SIEM endpoint.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/config"
)

const pushTimeout = 10 * time.Second

// Client POSTs forensic events as JSON. Fire-and-forget: each push runs on
// its own goroutine and failures are logged, never propagated — the
// orchestrator must not stall on a slow SIEM.
type Client struct {
	enabled     bool
	endpoint    string
	alertPrefix string
	instance    string
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ forensics.EventSink = (*Client)(nil)

// NewClient creates a SIEM client. The instance UUID is minted per process
// so the receiving side can distinguish orchestrator restarts.
func NewClient(cfg config.SiemConfig, logger *slog.Logger) *Client {
	return &Client{
		enabled:     cfg.Enabled,
		endpoint:    cfg.Endpoint,
		alertPrefix: cfg.AlertPrefix,
		instance:    uuid.NewString(),
		httpClient:  &http.Client{Timeout: pushTimeout},
		logger:      logger,
	}
}

// Push forwards one event. No-op when disabled or unconfigured.
func (c *Client) Push(ev forensics.Event) {
	if !c.enabled || c.endpoint == "" {
		return
	}

	payload := map[string]any{
		"timestamp":    ev.Timestamp,
		"session_id":   ev.SessionID,
		"layer":        ev.Layer,
		"event":        ev.Event,
		"data":         ev.Data,
		"alert_prefix": c.alertPrefix,
		"instance":     c.instance,
	}

	go c.send(payload)
}

func (c *Client) send(payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("siem push failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		c.logger.Warn("siem push failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("siem push failed", "error", err)
		return
	}
	defer resp.Body.Close()

	c.logger.Debug("siem push completed", "status", resp.StatusCode)
}
