package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/layers"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
)

// networkSuffix identifies the project network. Compose prefixes the name
// with the project, so discovery matches by suffix.
const networkSuffix = "labyrinth-net"

// ipPollRetries x ipPollDelay bounds the wait for a spawned container's
// network attachment.
const (
	ipPollRetries = 5
	ipPollDelay   = 500 * time.Millisecond
)

// Session container labels.
var sessionLabels = map[string]string{
	"project": "labyrinth",
	"layer":   "session",
}

// Manager owns session container lifecycle.
type Manager struct {
	cli    APIClient
	cfg    *config.Config
	logger *slog.Logger

	networkName string

	mu         sync.Mutex
	containers map[string]string // session_id → container_id
}

// NewManager creates a container manager and discovers the project network.
func NewManager(ctx context.Context, cli APIClient, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		cli:         cli,
		cfg:         cfg,
		logger:      logger,
		networkName: findNetwork(ctx, cli),
		containers:  make(map[string]string),
	}
}

var _ layers.ContainerExecer = (*Manager)(nil)

func findNetwork(ctx context.Context, cli APIClient) string {
	if cli == nil {
		return networkSuffix
	}
	nets, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return networkSuffix
	}
	for _, n := range nets {
		if n.Name == networkSuffix || strings.HasSuffix(n.Name, "_"+networkSuffix) {
			return n.Name
		}
	}
	return networkSuffix
}

// EnsureTemplate verifies the session template image exists, building it
// from the bundled dockerfile when missing. Build failure is logged and
// tolerated: spawns will fail per-session instead.
func (m *Manager) EnsureTemplate(ctx context.Context) {
	name := m.cfg.SessionTemplateImage

	if m.imageExists(ctx, name) {
		m.logger.Info("session template image found", "image", name)
		return
	}

	m.logger.Info("building session template image", "image", name)
	for _, contextDir := range []string{"/app", "."} {
		if err := m.buildImage(ctx, contextDir, "docker/session-template.Dockerfile", name); err != nil {
			m.logger.Warn("template build attempt failed",
				"context", contextDir, "error", err)
			continue
		}
		m.logger.Info("session template image built", "image", name)
		return
	}
	m.logger.Error("failed to build session template image", "image", name)
}

func (m *Manager) imageExists(ctx context.Context, name string) bool {
	images, err := m.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", name)),
	})
	return err == nil && len(images) > 0
}

func (m *Manager) buildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	buildCtx, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("failed to tar build context: %w", err)
	}

	resp, err := m.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Dockerfile: dockerfile,
		Tags:       []string{tag},
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output; the daemon aborts the build if we don't.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("image build stream failed: %w", err)
	}
	return nil
}

func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Spawn creates and starts a session container with the contradiction
// entrypoint injected through the environment. Returns (container-id,
// container-ip); any failure returns an empty pair, which callers treat as
// "no container for this session".
func (m *Manager) Spawn(ctx context.Context, s *session.Session, cc layers.ContradictionConfig, l3Active bool, dnsOverrides map[string]string) (string, string) {
	proxyIP := m.cfg.Layer4.ProxyIP
	for _, ip := range dnsOverrides {
		proxyIP = ip
		break
	}

	script := GenerateEntrypoint(cc.Contradictions, s.ID, l3Active, proxyIP)
	encoded := base64.StdEncoding.EncodeToString([]byte(script))

	l3Flag := "0"
	if l3Active {
		l3Flag = "1"
	}
	env := []string{
		"LABYRINTH_SESSION_ID=" + s.ID,
		"LABYRINTH_DEPTH=" + strconv.Itoa(s.Depth),
		"LABYRINTH_ENTRYPOINT_SCRIPT=" + encoded,
		"LABYRINTH_L3_ACTIVE=" + l3Flag,
	}

	extraHosts := make([]string, 0, len(dnsOverrides))
	for domain, ip := range dnsOverrides {
		extraHosts = append(extraHosts, domain+":"+ip)
	}

	labels := map[string]string{"session_id": s.ID}
	for k, v := range sessionLabels {
		labels[k] = v
	}

	name := "labyrinth-session-" + strings.ToLower(s.ID)

	created, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  m.cfg.SessionTemplateImage,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			ExtraHosts: extraHosts,
			Binds:      []string{"forensic-data:/var/labyrinth/forensics:rw"},
			Resources: container.Resources{
				Memory:    256 << 20,
				CPUPeriod: 100000,
				CPUQuota:  50000,
			},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.networkName: {},
			},
		},
		nil, name)
	if err != nil {
		m.logger.Error("failed to create session container",
			"session_id", s.ID, "error", err)
		return "", ""
	}

	if err := m.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.logger.Error("failed to start session container",
			"session_id", s.ID, "container_id", shortID(created.ID), "error", err)
		return "", ""
	}

	ip := m.waitForIP(ctx, created.ID)

	m.mu.Lock()
	m.containers[s.ID] = created.ID
	m.mu.Unlock()

	m.logger.Info("spawned session container",
		"session_id", s.ID,
		"container_id", shortID(created.ID),
		"container_ip", ip,
		"depth", s.Depth)

	return created.ID, ip
}

// waitForIP polls the container's network attachment until an address
// appears. Network assignment races container start.
func (m *Manager) waitForIP(ctx context.Context, containerID string) string {
	for i := 0; i < ipPollRetries; i++ {
		inspect, err := m.cli.ContainerInspect(ctx, containerID)
		if err == nil && inspect.NetworkSettings != nil {
			if ep, ok := inspect.NetworkSettings.Networks[m.networkName]; ok && ep.IPAddress != "" {
				return ep.IPAddress
			}
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(ipPollDelay):
		}
	}
	m.logger.Warn("could not determine container IP", "container_id", shortID(containerID))
	return ""
}

// ExecRoot runs a command as root in a running container and waits for it.
func (m *Manager) ExecRoot(ctx context.Context, containerID string, cmd []string) error {
	out, code, err := m.exec(ctx, containerID, cmd)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exec exited %d: %s", code, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) exec(ctx context.Context, containerID string, cmd []string) ([]byte, int, error) {
	created, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         "root",
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("exec create failed: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("exec attach failed: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, 0, fmt.Errorf("exec read failed: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("exec inspect failed: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stderr.Bytes(), inspect.ExitCode, nil
	}
	return stdout.Bytes(), 0, nil
}

// ScheduleRemoval stops and force-removes a container after a delay.
// Fire-and-forget: failures are logged.
func (m *Manager) ScheduleRemoval(containerID string, delay time.Duration) {
	go func() {
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		timeout := 3
		if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
			m.logger.Warn("failed to stop container", "container_id", shortID(containerID), "error", err)
		}
		if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("failed to remove container", "container_id", shortID(containerID), "error", err)
			return
		}
		m.logger.Info("removed container", "container_id", shortID(containerID))
	}()
}

// Cleanup stops and removes the session's container. Idempotent: an unknown
// session or missing container is not an error.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) {
	m.mu.Lock()
	containerID, ok := m.containers[sessionID]
	delete(m.containers, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	timeout := 5
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("cleanup stop failed", "session_id", sessionID, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		m.logger.Warn("cleanup remove failed", "session_id", sessionID, "error", err)
		return
	}
	m.logger.Info("cleaned up session container",
		"session_id", sessionID, "container_id", shortID(containerID))
}

// CleanupAll reaps every container bearing the session labels, running or
// stopped.
func (m *Manager) CleanupAll(ctx context.Context) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "project=labyrinth"),
			filters.Arg("label", "layer=session"),
		),
	})
	if err != nil {
		m.logger.Error("cleanup all failed", "error", err)
		return
	}

	timeout := 3
	for _, c := range containers {
		if err := m.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			m.logger.Warn("failed to stop session container", "container_id", shortID(c.ID), "error", err)
		}
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			m.logger.Warn("failed to remove session container", "container_id", shortID(c.ID), "error", err)
			continue
		}
		m.logger.Info("removed session container", "container_id", shortID(c.ID))
	}

	m.mu.Lock()
	m.containers = make(map[string]string)
	m.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
