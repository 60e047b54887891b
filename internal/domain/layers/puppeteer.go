package layers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
)

// targetDomains are the LLM API hosts whose DNS is steered to the proxy
// inside session containers.
var targetDomains = []string{
	"api.openai.com",
	"api.anthropic.com",
	"generativelanguage.googleapis.com",
	"api.mistral.ai",
	"api.cohere.ai",
}

// TargetDomains returns the intercepted LLM API hosts.
func TargetDomains() []string {
	return targetDomains
}

// ProxyMapStore persists the container-ip to session-id mapping read by
// the interception pipeline.
type ProxyMapStore interface {
	Register(containerIP, sessionID string) error
	Unregister(containerIP string) error
}

// PuppeteerController owns L4: DNS steering of LLM API domains to the
// interception proxy, in-container proxy env activation, and the routing
// entry that lets the proxy attribute traffic to a session.
type PuppeteerController struct {
	cfg    config.Layer4Config
	maps   ProxyMapStore
	logger *slog.Logger
}

// NewPuppeteerController creates the L4 controller.
func NewPuppeteerController(cfg config.Layer4Config, maps ProxyMapStore, logger *slog.Logger) *PuppeteerController {
	return &PuppeteerController{cfg: cfg, maps: maps, logger: logger}
}

// DNSOverrides returns the per-domain host overrides applied at container
// spawn: every target domain resolves to the proxy IP.
func (p *PuppeteerController) DNSOverrides() map[string]string {
	overrides := make(map[string]string, len(targetDomains))
	for _, domain := range targetDomains {
		overrides[domain] = p.cfg.ProxyIP
	}
	return overrides
}

// Activate exports proxy environment variables in the running container and
// persists them into the shell rc files, so LLM SDKs that honor proxy vars
// route through the interceptor even without DNS steering.
func (p *PuppeteerController) Activate(ctx context.Context, execer ContainerExecer, s *session.Session) {
	if s.ContainerID == "" {
		return
	}

	proxyURL := fmt.Sprintf("http://%s:%d", p.cfg.ProxyIP, p.cfg.ProxyPort)

	cmd := fmt.Sprintf(
		"export http_proxy=%[1]s && export https_proxy=%[1]s && "+
			"export HTTP_PROXY=%[1]s && export HTTPS_PROXY=%[1]s && "+
			"echo 'export http_proxy=%[1]s' >> /home/admin/.bashrc && "+
			"echo 'export https_proxy=%[1]s' >> /home/admin/.bashrc && "+
			"echo 'export HTTP_PROXY=%[1]s' >> /home/admin/.bashrc && "+
			"echo 'export HTTPS_PROXY=%[1]s' >> /home/admin/.bashrc && "+
			"echo 'export http_proxy=%[1]s' >> /home/admin/.profile && "+
			"echo 'export https_proxy=%[1]s' >> /home/admin/.profile && "+
			"echo 'export HTTP_PROXY=%[1]s' >> /home/admin/.profile && "+
			"echo 'export HTTPS_PROXY=%[1]s' >> /home/admin/.profile",
		proxyURL)

	if err := execer.ExecRoot(ctx, s.ContainerID, []string{"bash", "-c", cmd}); err != nil {
		p.logger.Error("failed to activate proxy interception",
			"container_id", shortID(s.ContainerID), "error", err)
		return
	}

	p.logger.Warn("proxy interception activated", "container_id", shortID(s.ContainerID))
}

// RegisterSessionIP records container-ip → session-id for the interceptor.
func (p *PuppeteerController) RegisterSessionIP(containerIP, sessionID string) {
	if err := p.maps.Register(containerIP, sessionID); err != nil {
		p.logger.Error("failed to register proxy session mapping",
			"container_ip", containerIP, "session_id", sessionID, "error", err)
		return
	}
	p.logger.Info("registered proxy session mapping",
		"container_ip", containerIP, "session_id", sessionID)
}

// UnregisterSessionIP removes the mapping when the container goes away.
func (p *PuppeteerController) UnregisterSessionIP(containerIP string) {
	if err := p.maps.Unregister(containerIP); err != nil {
		p.logger.Error("failed to unregister proxy session mapping",
			"container_ip", containerIP, "error", err)
	}
}
