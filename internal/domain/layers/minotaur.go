package layers

import (
	"github.com/cespare/xxhash/v2"

	"github.com/DaxxSec/labyrinth/internal/config"
	"github.com/DaxxSec/labyrinth/internal/domain/contradiction"
	"github.com/DaxxSec/labyrinth/internal/domain/session"
)

// ContradictionConfig is the contradiction set chosen for one container
// generation of a session.
type ContradictionConfig struct {
	Density        string
	Depth          int
	Contradictions []contradiction.Contradiction
}

// MinotaurController picks contradiction sets. Density escalates with
// depth when adaptive degradation is on, and the selection seed mixes the
// session ID with the depth so every escalation draws a fresh set.
type MinotaurController struct {
	cfg config.Layer2Config
}

// NewMinotaurController creates the L2 controller.
func NewMinotaurController(cfg config.Layer2Config) *MinotaurController {
	return &MinotaurController{cfg: cfg}
}

// InitialConfig returns the contradiction set for a brand-new session at
// depth 1.
func (m *MinotaurController) InitialConfig(s *session.Session) ContradictionConfig {
	density := m.cfg.ContradictionDensity
	return ContradictionConfig{
		Density:        density,
		Depth:          1,
		Contradictions: contradiction.Select(density, 1, xxhash.Sum64String(s.ID)),
	}
}

// NextConfig returns the escalated contradiction set for the session's
// current depth.
func (m *MinotaurController) NextConfig(s *session.Session) ContradictionConfig {
	density := m.densityFor(s.Depth)
	return ContradictionConfig{
		Density:        density,
		Depth:          s.Depth,
		Contradictions: contradiction.Select(density, s.Depth, xxhash.Sum64String(s.ID)+uint64(s.Depth)),
	}
}

func (m *MinotaurController) densityFor(depth int) string {
	if !m.cfg.Adaptive {
		return m.cfg.ContradictionDensity
	}
	switch {
	case depth >= 4:
		return contradiction.DensityHigh
	case depth >= 2:
		if m.cfg.ContradictionDensity == contradiction.DensityLow {
			return contradiction.DensityMedium
		}
		return contradiction.DensityHigh
	default:
		return m.cfg.ContradictionDensity
	}
}
