package mitm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/domain/intel"
)

// RequestOutcome is the pipeline's verdict on one request: the payload to
// forward upstream and whether the prompt was replaced.
type RequestOutcome struct {
	Body    []byte
	Swapped bool
}

// Pipeline applies the active interception mode to AI API traffic. Every
// request is harvested regardless of mode; neutralize and double_agent
// additionally rewrite the system prompt before the request leaves.
type Pipeline struct {
	mode       *forensics.ModeFile
	sessions   *forensics.ProxyMap
	prompts    *forensics.PromptCapture
	intel      *intel.Store
	events     *forensics.EventLog
	tracer     trace.Tracer
	intercepts *prometheus.CounterVec
	logger     *slog.Logger
}

// NewPipeline wires the interception pipeline to the forensics volume.
func NewPipeline(
	mode *forensics.ModeFile,
	sessions *forensics.ProxyMap,
	prompts *forensics.PromptCapture,
	store *intel.Store,
	events *forensics.EventLog,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		mode:     mode,
		sessions: sessions,
		prompts:  prompts,
		intel:    store,
		events:   events,
		tracer:   otel.Tracer("labyrinth/mitm"),
		logger:   logger,
	}
}

// SetInterceptCounter attaches the per-mode intercept counter. Optional.
func (p *Pipeline) SetInterceptCounter(c *prometheus.CounterVec) {
	p.intercepts = c
}

// ProcessRequest harvests one intercepted request and applies the active
// mode. The returned body is the possibly-rewritten payload to forward
// upstream; Swapped reports whether the prompt was replaced. A body that is
// not a JSON object passes through untouched.
func (p *Pipeline) ProcessRequest(srcIP, domain, path, method string, header http.Header, rawBody []byte) RequestOutcome {
	passthrough := RequestOutcome{Body: rawBody}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return passthrough
	}

	sessionID := p.sessions.SessionFor(srcIP)
	mode := p.mode.Get()
	if p.intercepts != nil {
		p.intercepts.WithLabelValues(mode).Inc()
	}

	_, span := p.tracer.Start(context.Background(), "request.intercept",
		trace.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("path", path),
			attribute.String("mode", mode),
			attribute.String("session_id", sessionID),
		))
	defer span.End()

	in := HarvestRequest(header, body, domain, path, method, srcIP)

	prompt := ExtractSystemPrompt(body, domain)
	if prompt != "" {
		if err := p.prompts.Save(sessionID, domain, prompt); err != nil {
			p.logger.Warn("prompt capture failed", "session_id", sessionID, "error", err)
		}
		in.SystemPromptLength = len(prompt)
		p.logger.Info("intercepted request",
			"session_id", sessionID, "domain", domain, "path", path,
			"prompt_chars", len(prompt), "mode", mode)
	}

	swapped := false
	switch mode {
	case forensics.ModeNeutralize:
		SwapSystemPrompt(body, domain, NeutralizePrompt)
		SanitizeHistory(body, domain)
		swapped = true
	case forensics.ModeDoubleAgent:
		SwapSystemPrompt(body, domain, DoubleAgentPrompt)
		swapped = true
	}

	if _, err := p.intel.Record(sessionID, in); err != nil {
		p.logger.Warn("intel record failed", "session_id", sessionID, "error", err)
	}

	p.events.Write(sessionID, 4, forensics.EventAPIIntercepted, interceptEventData(in, domain, path, mode, swapped))

	if !swapped {
		return passthrough
	}
	rewritten, err := json.Marshal(body)
	if err != nil {
		p.logger.Warn("rewrite marshal failed", "session_id", sessionID, "error", err)
		return passthrough
	}
	return RequestOutcome{Body: rewritten, Swapped: true}
}

// ProcessResponse records response intelligence. Non-JSON responses still
// produce an event carrying the status code.
func (p *Pipeline) ProcessResponse(srcIP, domain string, statusCode int, rawBody []byte) {
	sessionID := p.sessions.SessionFor(srcIP)

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		body = nil
	}

	p.events.Write(sessionID, 4, forensics.EventAPIResponse, HarvestResponse(domain, statusCode, body))
}

func interceptEventData(in intel.Intercept, domain, path, mode string, swapped bool) map[string]any {
	data := map[string]any{
		"domain":         domain,
		"path":           path,
		"mode":           mode,
		"prompt_swapped": swapped,
	}
	if in.APIKey != "" {
		data["api_key"] = in.APIKey
	}
	if in.KeyType != "" {
		data["key_type"] = in.KeyType
	}
	if in.Model != "" {
		data["model"] = in.Model
	}
	if in.UserAgent != "" {
		data["user_agent"] = in.UserAgent
	}
	if in.ToolCount > 0 {
		data["tool_count"] = in.ToolCount
	}
	if in.OpenAIOrg != "" {
		data["openai_org"] = in.OpenAIOrg
	}
	return data
}
