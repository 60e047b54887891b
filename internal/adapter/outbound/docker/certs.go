package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/api/types/container"

	"github.com/DaxxSec/labyrinth/internal/adapter/outbound/forensics"
)

// CA injection constants. The interception proxy's CA must be trusted
// inside session containers or HTTPS interception produces visible
// certificate errors.
const (
	targetCADir  = "/usr/local/share/ca-certificates"
	targetCAName = "labyrinth-ca.crt"
)

// InjectCACert copies the proxy's CA certificate into a session container
// and refreshes its trust store. The certificate is read from the shared
// forensics volume, where the proxy persists it on first start. Returns an
// error when injection fails; callers log and continue, interception then
// degrades to visible MITM.
func (m *Manager) InjectCACert(ctx context.Context, containerID string) error {
	cert, err := os.ReadFile(forensics.CACertPath(m.cfg.ForensicsDir))
	if err != nil {
		return fmt.Errorf("proxy CA cert unavailable: %w", err)
	}

	if err := m.ExecRoot(ctx, containerID, []string{"mkdir", "-p", targetCADir}); err != nil {
		return fmt.Errorf("failed to create CA dir: %w", err)
	}

	archive, err := tarSingleFile(targetCAName, cert)
	if err != nil {
		return fmt.Errorf("failed to archive CA cert: %w", err)
	}
	if err := m.cli.CopyToContainer(ctx, containerID, targetCADir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy CA cert: %w", err)
	}

	if err := m.ExecRoot(ctx, containerID, []string{"update-ca-certificates"}); err != nil {
		return fmt.Errorf("failed to update trust store: %w", err)
	}

	// Python-based agents honor REQUESTS_CA_BUNDLE rather than the system
	// store.
	bundleCmd := fmt.Sprintf(`echo "export REQUESTS_CA_BUNDLE=%s/%s" >> /etc/environment`, targetCADir, targetCAName)
	if err := m.ExecRoot(ctx, containerID, []string{"bash", "-c", bundleCmd}); err != nil {
		return fmt.Errorf("failed to persist CA bundle env: %w", err)
	}

	m.logger.Info("CA cert injected", "container_id", shortID(containerID))
	return nil
}

func tarSingleFile(name string, data []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// TryInjectCACert is the best-effort form: failures are logged, not
// propagated.
func (m *Manager) TryInjectCACert(ctx context.Context, sessionID, containerID string) {
	if err := m.InjectCACert(ctx, containerID); err != nil {
		m.logger.Warn("CA cert injection failed",
			"session_id", sessionID, "container_id", shortID(containerID), "error", err)
	}
}
