// Package service contains the orchestration engine: the state machine that
// turns portal auth events into deception sessions, escalates container
// depth, and activates the blindfold and interception layers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DaxxSec/labyrinth/internal/adapter/inbound/controlapi"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/docker"
	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/layers"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
)

const (
	// sweepInterval paces the expired-session sweep.
	sweepInterval = 2 * time.Second

	// retentionInterval paces the forensic retention pass.
	retentionInterval = time.Hour

	// oldContainerGrace keeps the previous container alive briefly after an
	// escalation, so an open shell sees the maze shift rather than vanish.
	oldContainerGrace = 5 * time.Second

	// errorBackoff is the pause after a failed loop iteration.
	errorBackoff = 5 * time.Second
)

// ContainerRuntime is the container lifecycle surface the orchestrator
// drives. Implemented by the docker manager; faked in tests.
type ContainerRuntime interface {
	layers.ContainerExecer

	EnsureTemplate(ctx context.Context)
	Spawn(ctx context.Context, s *session.Session, cc layers.ContradictionConfig, l3Active bool, dnsOverrides map[string]string) (string, string)
	ScheduleRemoval(containerID string, delay time.Duration)
	Cleanup(ctx context.Context, sessionID string)
	CleanupAll(ctx context.Context)
	TryInjectCACert(ctx context.Context, sessionID, containerID string)
}

var _ ContainerRuntime = (*docker.Manager)(nil)

// EventSource feeds the orchestrator with portal events. Implemented by the
// forensic stream watcher.
type EventSource interface {
	Start() error
	Stop() error
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Config    *config.Config
	Registry  *session.Registry
	Threshold *layers.ThresholdController
	Minotaur  *layers.MinotaurController
	Blindfold *layers.BlindfoldController
	Puppeteer *layers.PuppeteerController
	Runtime   ContainerRuntime
	Events    *forensics.EventLog
	Forward   *forensics.ForwardMap
	Retention *forensics.Retention
	Metrics   *controlapi.Metrics
	Logger    *slog.Logger

	// Preflight runs the L0 checks; nil skips validation entirely.
	Preflight func(ctx context.Context) (bool, []string)
}

// Orchestrator is the deception engine core. All session mutation happens
// under one mutex: the watcher callbacks and the sweep loop serialize here,
// so handlers never race on a session.
type Orchestrator struct {
	mu sync.Mutex

	cfg       *config.Config
	registry  *session.Registry
	threshold *layers.ThresholdController
	minotaur  *layers.MinotaurController
	blindfold *layers.BlindfoldController
	puppeteer *layers.PuppeteerController
	runtime   ContainerRuntime
	events    *forensics.EventLog
	forward   *forensics.ForwardMap
	retention *forensics.Retention
	metrics   *controlapi.Metrics
	preflight func(ctx context.Context) (bool, []string)
	tracer    trace.Tracer
	logger    *slog.Logger

	lastRetention time.Time
}

// NewOrchestrator creates the engine from its wired dependencies.
func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:       d.Config,
		registry:  d.Registry,
		threshold: d.Threshold,
		minotaur:  d.Minotaur,
		blindfold: d.Blindfold,
		puppeteer: d.Puppeteer,
		runtime:   d.Runtime,
		events:    d.Events,
		forward:   d.Forward,
		retention: d.Retention,
		metrics:   d.Metrics,
		preflight: d.Preflight,
		tracer:    otel.Tracer("labyrinth/orchestrator"),
		logger:    d.Logger,
	}
}

// OnConnection handles a detected portal connection. A source IP with a live
// session is ignored; everything else is admitted through L1, given a fresh
// session at depth 1, and dropped into its first container.
func (o *Orchestrator) OnConnection(ctx context.Context, srcIP, svc string) {
	ctx, span := o.tracer.Start(ctx, "connection.handle",
		trace.WithAttributes(attribute.String("src_ip", srcIP), attribute.String("service", svc)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	if srcIP == "" {
		return
	}
	if svc == "" {
		svc = "ssh"
	}

	if s, err := o.registry.GetByIP(srcIP); err == nil {
		o.logger.Debug("connection from known session",
			"src_ip", srcIP, "session_id", s.ID)
		return
	}

	if !o.threshold.Admit(srcIP, svc) {
		o.logger.Info("connection not admitted", "src_ip", srcIP, "service", svc)
		return
	}

	s := o.registry.Create(srcIP, svc)
	o.setActiveSessions()
	o.logger.Info("new session", "session_id", s.ID, "src_ip", srcIP, "service", svc)

	o.events.Write(s.ID, 1, forensics.EventConnection, map[string]any{
		"src_ip":  srcIP,
		"service": svc,
	})

	cc := o.minotaur.InitialConfig(s)
	s.L3Active = o.blindfold.ShouldActivate(s)
	s.L4Active = true

	containerID, containerIP := o.runtime.Spawn(ctx, s, cc, s.L3Active, o.puppeteer.DNSOverrides())
	if containerID == "" {
		o.logger.Error("initial container spawn failed", "session_id", s.ID)
		return
	}
	s.ContainerID = containerID
	s.ContainerIP = containerIP
	if o.metrics != nil {
		o.metrics.ContainersSpawned.Inc()
	}

	o.routeSession(s)
	o.runtime.TryInjectCACert(ctx, s.ID, containerID)

	o.events.Write(s.ID, 1, forensics.EventContainerSpawned, map[string]any{
		"container_id":          shortID(containerID),
		"container_ip":          containerIP,
		"depth":                 s.Depth,
		"l3_active":             s.L3Active,
		"contradiction_density": cc.Density,
	})
}

// OnEscalation handles a detected escalation attempt: the session goes one
// container deeper, or, at the depth cap, the blindfold comes down instead.
func (o *Orchestrator) OnEscalation(ctx context.Context, sessionID, escType string) {
	ctx, span := o.tracer.Start(ctx, "escalation.handle",
		trace.WithAttributes(attribute.String("session_id", sessionID), attribute.String("type", escType)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.resolveSession(sessionID)
	if err != nil {
		o.logger.Warn("escalation for unknown session",
			"session_id", sessionID, "type", escType)
		return
	}
	if o.metrics != nil {
		o.metrics.EscalationsTotal.Inc()
	}

	o.events.Write(s.ID, 2, forensics.EventEscalationDetected, map[string]any{
		"type":  escType,
		"depth": s.Depth,
	})

	if s.Depth >= o.cfg.Layer2.MaxContainerDepth {
		o.logger.Warn("depth cap reached", "session_id", s.ID, "depth", s.Depth)
		o.activateL3(ctx, s)
		return
	}

	s.Depth++
	cc := o.minotaur.NextConfig(s)

	newlyBlind := !s.L3Active && o.blindfold.ShouldActivate(s)
	if newlyBlind {
		s.L3Active = true
	}

	oldContainerID := s.ContainerID
	oldContainerIP := s.ContainerIP

	containerID, containerIP := o.runtime.Spawn(ctx, s, cc, s.L3Active, o.puppeteer.DNSOverrides())
	if containerID == "" {
		o.logger.Error("escalation spawn failed",
			"session_id", s.ID, "depth", s.Depth)
		return
	}
	s.ContainerID = containerID
	s.ContainerIP = containerIP
	if o.metrics != nil {
		o.metrics.ContainersSpawned.Inc()
	}

	if oldContainerID != "" {
		o.runtime.ScheduleRemoval(oldContainerID, oldContainerGrace)
	}
	if oldContainerIP != "" {
		o.puppeteer.UnregisterSessionIP(oldContainerIP)
	}
	o.routeSession(s)
	o.runtime.TryInjectCACert(ctx, s.ID, containerID)

	if newlyBlind {
		o.blindfold.Activate(ctx, o.runtime, s)
		o.events.Write(s.ID, 3, forensics.EventBlindfoldActivated, map[string]any{
			"container_id": shortID(s.ContainerID),
			"depth":        s.Depth,
		})
		o.puppeteer.Activate(ctx, o.runtime, s)
		o.events.Write(s.ID, 4, forensics.EventProxyInterception, map[string]any{
			"container_id": shortID(s.ContainerID),
			"proxy_ip":     o.cfg.Layer4.ProxyIP,
			"depth":        s.Depth,
		})
	}

	o.events.Write(s.ID, 2, forensics.EventDepthIncrease, map[string]any{
		"new_depth":             s.Depth,
		"container_id":          shortID(containerID),
		"l3_active":             s.L3Active,
		"contradiction_density": cc.Density,
	})
}

// ActivateBlindfold forces L3 on a session, for the manual activation policy.
func (o *Orchestrator) ActivateBlindfold(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.registry.Get(sessionID)
	if err != nil {
		return err
	}
	o.activateL3(ctx, s)
	return nil
}

// activateL3 brings the blindfold (and with it, proxy interception) down on
// the session's current container. Idempotent: an already-blind session is a
// no-op, and a session with no container only records the flag.
func (o *Orchestrator) activateL3(ctx context.Context, s *session.Session) {
	if s.L3Active {
		return
	}
	s.L3Active = true

	if s.ContainerID == "" {
		return
	}

	o.blindfold.Activate(ctx, o.runtime, s)
	o.events.Write(s.ID, 3, forensics.EventBlindfoldActivated, map[string]any{
		"container_id": shortID(s.ContainerID),
		"depth":        s.Depth,
	})
	o.puppeteer.Activate(ctx, o.runtime, s)
	o.events.Write(s.ID, 4, forensics.EventProxyInterception, map[string]any{
		"container_id": shortID(s.ContainerID),
		"proxy_ip":     o.cfg.Layer4.ProxyIP,
		"depth":        s.Depth,
	})
}

// EndSession terminates a live session: routing removed, terminal event
// written, container reclaimed.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.registry.Get(sessionID)
	if err != nil {
		return
	}
	o.registry.Remove(s.ID)
	o.endSession(ctx, s)
	o.setActiveSessions()
}

// endSession finalizes a session already removed from the registry.
func (o *Orchestrator) endSession(ctx context.Context, s *session.Session) {
	if err := o.forward.Remove(s.SrcIP); err != nil {
		o.logger.Warn("failed to remove forward route",
			"session_id", s.ID, "src_ip", s.SrcIP, "error", err)
	}
	if s.ContainerIP != "" {
		o.puppeteer.UnregisterSessionIP(s.ContainerIP)
	}

	o.events.Write(s.ID, 0, forensics.EventSessionEnd, map[string]any{
		"duration_seconds": int(s.Age(time.Now().UTC()).Seconds()),
		"final_depth":      s.Depth,
		"command_count":    s.CommandCount,
		"l3_activated":     s.L3Active,
	})

	o.runtime.Cleanup(ctx, s.ID)
	o.logger.Info("session ended",
		"session_id", s.ID, "final_depth", s.Depth, "l3_active", s.L3Active)
}

// resolveSession finds the escalating session. Escalation events written by
// in-container sensors carry the session ID; events from the shared volume
// watchers may not, and then attach to the most recent session.
func (o *Orchestrator) resolveSession(sessionID string) (*session.Session, error) {
	if sessionID != "" {
		return o.registry.Get(sessionID)
	}
	return o.registry.Latest()
}

// routeSession writes both routing maps for the session's current container.
func (o *Orchestrator) routeSession(s *session.Session) {
	if s.ContainerIP == "" {
		return
	}
	if err := o.forward.Update(s.SrcIP, s.ContainerIP); err != nil {
		o.logger.Error("failed to update forward route",
			"session_id", s.ID, "src_ip", s.SrcIP, "error", err)
	}
	o.puppeteer.RegisterSessionIP(s.ContainerIP, s.ID)
}

func (o *Orchestrator) setActiveSessions() {
	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(o.registry.Len()))
	}
}

// Run executes the engine: pre-flight validation, template check, event
// source start, then the sweep loop until the context is canceled. On return
// every live session has been ended and its container reclaimed.
func (o *Orchestrator) Run(ctx context.Context, source EventSource) error {
	if err := o.validate(ctx); err != nil {
		return err
	}

	o.runtime.EnsureTemplate(ctx)

	if source != nil {
		if err := source.Start(); err != nil {
			return fmt.Errorf("failed to start event source: %w", err)
		}
		defer func() {
			if err := source.Stop(); err != nil {
				o.logger.Warn("event source stop failed", "error", err)
			}
		}()
	}

	o.logger.Info("orchestrator running",
		"max_depth", o.cfg.Layer2.MaxContainerDepth,
		"l3_activation", o.cfg.Layer3.Activation,
		"session_timeout", o.cfg.Layer1.Timeout().String())

	o.lastRetention = time.Now()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one maintenance pass: expired-session sweep plus, once an hour,
// the retention pass.
func (o *Orchestrator) tick(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	expired := o.registry.Sweep(time.Now().UTC(), o.cfg.Layer1.Timeout())
	for _, s := range expired {
		o.logger.Info("session expired", "session_id", s.ID, "age", s.Age(time.Now().UTC()).String())
		o.endSession(ctx, s)
	}
	if len(expired) > 0 {
		o.setActiveSessions()
	}

	if time.Since(o.lastRetention) >= retentionInterval {
		o.lastRetention = time.Now()
		o.retention.Cleanup(o.cfg.Retention.CredentialsDays, o.cfg.Retention.FingerprintsDays)
	}
}

// shutdown ends every live session and reaps any stragglers by label.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, s := range o.registry.List() {
		o.registry.Remove(s.ID)
		o.endSession(ctx, s)
	}
	o.setActiveSessions()
	o.runtime.CleanupAll(ctx)
	o.logger.Info("orchestrator stopped")
}

// validate runs the L0 pre-flight checks with retries. Fail-open logs the
// failures and proceeds; fail-closed refuses to start. Test deployments
// (LABYRINTH_MODE=test) always fail open, so the maze can run without a
// full container stack behind it.
func (o *Orchestrator) validate(ctx context.Context) error {
	if o.preflight == nil || !o.cfg.Layer0.ValidateOnStartup {
		return nil
	}

	failMode := o.cfg.Layer0.FailMode
	if config.TestMode() {
		failMode = "open"
	}

	retries := o.cfg.Layer0.ValidateRetries
	delay := o.cfg.Layer0.RetryDelay()

	var failures []string
	for attempt := 1; attempt <= retries; attempt++ {
		ok, errs := o.preflight(ctx)
		if ok {
			o.logger.Info("environment validation passed", "attempt", attempt)
			return nil
		}
		failures = errs
		o.logger.Warn("environment validation failed",
			"attempt", attempt, "of", retries, "failures", errs)

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if failMode == "closed" {
		return fmt.Errorf("environment validation failed (fail_mode=closed): %v", failures)
	}
	o.logger.Warn("continuing despite validation failures (fail_mode=open)",
		"failures", failures)
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
