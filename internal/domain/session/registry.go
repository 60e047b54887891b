package session

import (
	"fmt"
	"sync"
	"time"
)

// Registry is the thread-safe map of live sessions, keyed by ID and by
// source IP. All operations are point-in-time under one mutex; nothing waits.
type Registry struct {
	mu      sync.Mutex
	prefix  string
	counter int
	byID    map[string]*Session
	byIP    map[string]*Session
}

// NewRegistry creates an empty registry minting IDs with the given prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix: prefix,
		byID:   make(map[string]*Session),
		byIP:   make(map[string]*Session),
	}
}

// Create mints a new session for the source IP at depth 1. The counter is
// monotone for the process lifetime, so IDs are never reused even after the
// session ends.
func (r *Registry) Create(srcIP, service string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	now := time.Now().UTC()
	s := &Session{
		ID:        fmt.Sprintf("%s-%s-%03d", r.prefix, now.Format("2006-0102"), r.counter),
		SrcIP:     srcIP,
		Service:   service,
		Depth:     1,
		CreatedAt: now,
	}
	r.byID[s.ID] = s
	r.byIP[srcIP] = s
	return s
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetByIP returns the live session for a source IP, if any.
func (r *Registry) GetByIP(srcIP string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byIP[srcIP]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Latest returns the most recently created live session. Used to attribute
// escalation events that arrive without a session ID.
func (r *Registry) Latest() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Session
	for _, s := range r.byID {
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSessionNotFound
	}
	return latest, nil
}

// Remove deletes the session from the registry. Removing an unknown ID is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if cur, ok := r.byIP[s.SrcIP]; ok && cur.ID == id {
		delete(r.byIP, s.SrcIP)
	}
}

// List returns a snapshot of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Sweep removes every session older than timeout at the given instant and
// returns the removed sessions. A timeout of zero or less expires everything,
// since any session's age is then past the cutoff.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Session
	for id, s := range r.byID {
		if now.Sub(s.CreatedAt) > timeout {
			delete(r.byID, id)
			if cur, ok := r.byIP[s.SrcIP]; ok && cur.ID == id {
				delete(r.byIP, s.SrcIP)
			}
			removed = append(removed, s)
		}
	}
	return removed
}
