package forensics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Routing map file names on the forensics volume.
const (
	ForwardMapFile = "session_forward_map.json"
	ProxyMapFile   = "proxy_session_map.json"
)

// mapFile is a JSON object of string pairs, rewritten whole on every
// mutation. The orchestrator is the sole writer; external readers (the SSH
// front door, the interception proxy) tolerate a missing or partial file, so
// the write goes to a temp file first and lands by rename.
type mapFile struct {
	mu   sync.Mutex
	path string
}

func (m *mapFile) load() map[string]string {
	entries := make(map[string]string)
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return entries
	}
	// Corrupt content starts the map over rather than wedging routing.
	_ = json.Unmarshal(raw, &entries)
	return entries
}

func (m *mapFile) store(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create map dir: %w", err)
	}

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal map: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp map file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp map file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp map file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp map file: %w", err)
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("failed to replace map file: %w", err)
	}
	return nil
}

func (m *mapFile) set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.load()
	entries[key] = value
	return m.store(entries)
}

func (m *mapFile) delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err != nil {
		return nil
	}
	entries := m.load()
	delete(entries, key)
	return m.store(entries)
}

func (m *mapFile) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.load()[key]
	return v, ok
}

func (m *mapFile) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// ForwardMap maps attacker src-ip to session container-ip. The SSH front
// door reads it to forward shells into the maze.
type ForwardMap struct {
	mapFile
}

// NewForwardMap opens the forward map under the forensics directory.
func NewForwardMap(dir string) *ForwardMap {
	return &ForwardMap{mapFile{path: filepath.Join(dir, ForwardMapFile)}}
}

// Update points an attacker IP at a container IP.
func (f *ForwardMap) Update(srcIP, containerIP string) error {
	return f.set(srcIP, containerIP)
}

// Remove drops the attacker's route. Missing file or key is a no-op.
func (f *ForwardMap) Remove(srcIP string) error {
	return f.delete(srcIP)
}

// Lookup returns the container IP for an attacker IP.
func (f *ForwardMap) Lookup(srcIP string) (string, bool) {
	return f.get(srcIP)
}

// Snapshot returns a copy of the whole map.
func (f *ForwardMap) Snapshot() map[string]string {
	return f.snapshot()
}

// ProxyMap maps container-ip to session-id so the interception proxy can
// attribute traffic. Satisfies layers.ProxyMapStore.
type ProxyMap struct {
	mapFile
}

// NewProxyMap opens the proxy session map under the forensics directory.
func NewProxyMap(dir string) *ProxyMap {
	return &ProxyMap{mapFile{path: filepath.Join(dir, ProxyMapFile)}}
}

// Register records container-ip → session-id.
func (p *ProxyMap) Register(containerIP, sessionID string) error {
	return p.set(containerIP, sessionID)
}

// Unregister removes the container's entry. Missing file or key is a no-op.
func (p *ProxyMap) Unregister(containerIP string) error {
	return p.delete(containerIP)
}

// SessionFor resolves a peer IP to its session ID, or a synthetic
// "unknown-{ip}" tag when the IP is not mapped: traffic is still evidence
// even when attribution fails.
func (p *ProxyMap) SessionFor(peerIP string) string {
	if id, ok := p.get(peerIP); ok {
		return id
	}
	return "unknown-" + peerIP
}
