package system

import (
	"fmt"
	"time"
)

// Phase defines execution ordering within a single frame. Every updater of
// phase N finishes before any updater of phase N+1 starts.
type Phase int

const (
	PhaseInput       Phase = iota // 0: drain input and external events
	PhasePrePhysics               // 1: intent, AI, animation setup
	PhasePhysics                  // 2: simulation step
	PhasePostPhysics              // 3: react to simulation results
	PhaseLate                     // 4: camera follow, render submission
	PhaseCount
)

var phaseNames = [PhaseCount]string{
	PhaseInput:       "input",
	PhasePrePhysics:  "pre-physics",
	PhasePhysics:     "physics",
	PhasePostPhysics: "post-physics",
	PhaseLate:        "late",
}

func (p Phase) Valid() bool { return p >= 0 && p < PhaseCount }

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase maps a phase name (as printed by String) back to a Phase.
func ParsePhase(name string) (Phase, error) {
	for p, n := range phaseNames {
		if n == name {
			return Phase(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPhase, name)
}

// System is the fixed-phase interface older code implements. RegisterSystem
// adapts it into an Updater.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
