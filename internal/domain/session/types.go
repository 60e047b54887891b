// Package session tracks live attacker sessions across deception layers.
package session

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when no live session matches the lookup.
var ErrSessionNotFound = errors.New("session not found")

// Session is the unique identity of one attacker attempt. A session is
// either live (held by the Registry) or terminal (removed, session_end
// written). Mutation happens only on the orchestrator's dispatch goroutine.
type Session struct {
	// ID is the minted identifier, formatted PREFIX-YYYY-MMDD-NNN.
	ID string `json:"session_id"`
	// SrcIP is the attacker's source address.
	SrcIP string `json:"src_ip"`
	// Service is the originating portal: "ssh" or "http".
	Service string `json:"service"`
	// ContainerID is the current live container, or "" when none.
	ContainerID string `json:"container_id,omitempty"`
	// ContainerIP is the current container's project-network address.
	ContainerIP string `json:"container_ip,omitempty"`
	// Depth starts at 1 and never decreases.
	Depth int `json:"depth"`
	// CreatedAt is the creation instant (UTC).
	CreatedAt time.Time `json:"created_at"`
	// CommandCount counts observed attacker commands.
	CommandCount int `json:"command_count"`
	// L3Active records blindfold activation. Monotone: once true, never false.
	L3Active bool `json:"l3_active"`
	// L4Active records proxy interception activation. Monotone like L3Active.
	L4Active bool `json:"l4_active"`
}

// Age returns how long the session has existed at the given instant.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
