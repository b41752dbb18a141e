package model

import "strings"

// Phase is the lifecycle state of the worker.
type Phase string

// Worker phases.
const (
	PhaseIdle     Phase = "IDLE"
	PhaseRunning  Phase = "RUNNING"
	PhasePausing  Phase = "PAUSING"
	PhasePaused   Phase = "PAUSED"
	PhaseResuming Phase = "RESUMING"
	PhaseStopping Phase = "STOPPING"
	PhaseAborting Phase = "ABORTING"
	PhaseErrored  Phase = "ERRORED"
)

// Phases lists every phase in declaration order.
var Phases = []Phase{
	PhaseIdle,
	PhaseRunning,
	PhasePausing,
	PhasePaused,
	PhaseResuming,
	PhaseStopping,
	PhaseAborting,
	PhaseErrored,
}

// ParsePhase converts s (case-insensitive) into a Phase.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Phases {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// Executing reports whether a task is bound to the engine in this phase.
func (p Phase) Executing() bool {
	switch p {
	case PhaseRunning, PhasePausing, PhasePaused, PhaseResuming, PhaseStopping, PhaseAborting:
		return true
	default:
		return false
	}
}

// Transitional reports whether the phase awaits confirmation from the engine.
func (p Phase) Transitional() bool {
	switch p {
	case PhasePausing, PhaseResuming, PhaseStopping, PhaseAborting:
		return true
	default:
		return false
	}
}

func (p Phase) String() string {
	return string(p)
}
