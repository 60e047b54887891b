package layers

import (
	"context"
	"log/slog"

	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
)

// ContainerExecer runs a command as root inside a running container.
// Implemented by the docker adapter; faked in tests.
type ContainerExecer interface {
	ExecRoot(ctx context.Context, containerID string, cmd []string) error
}

// BlindfoldController decides when terminal corruption activates and pushes
// the activation payload into a running container.
type BlindfoldController struct {
	cfg    config.Layer3Config
	logger *slog.Logger
}

// NewBlindfoldController creates the L3 controller.
func NewBlindfoldController(cfg config.Layer3Config, logger *slog.Logger) *BlindfoldController {
	return &BlindfoldController{cfg: cfg, logger: logger}
}

// ShouldActivate reports whether L3 should be live for the session.
// on_connect activates immediately; on_escalation waits for depth 3;
// manual never auto-activates.
func (b *BlindfoldController) ShouldActivate(s *session.Session) bool {
	switch b.cfg.Activation {
	case "on_connect":
		return true
	case "on_escalation":
		return s.Depth >= 3
	default:
		return false
	}
}

// Activate sources the blindfold payload in the container's shell rc files
// so it fires on any future shell. A session with no live container is a
// no-op.
func (b *BlindfoldController) Activate(ctx context.Context, execer ContainerExecer, s *session.Session) {
	if s.ContainerID == "" {
		return
	}

	activateCmd := "export LABYRINTH_L3_ACTIVE=1 && " +
		"echo 'export LABYRINTH_L3_ACTIVE=1' >> /home/admin/.bashrc && " +
		"echo 'source /opt/.labyrinth/blindfold.sh && activate_blindfold' >> /home/admin/.bashrc && " +
		"echo 'source /opt/.labyrinth/blindfold.sh && activate_blindfold' >> /home/admin/.profile"

	if err := execer.ExecRoot(ctx, s.ContainerID, []string{"bash", "-c", activateCmd}); err != nil {
		b.logger.Error("failed to activate blindfold",
			"container_id", shortID(s.ContainerID), "error", err)
		return
	}

	b.logger.Warn("blindfold activated", "container_id", shortID(s.ContainerID))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
