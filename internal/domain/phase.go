package domain

import "fmt"

// Phase is one of the fixed delivery stages a task moves through.
type Phase string

const (
	PhaseRequirementRefiner Phase = "requirement_refiner"
	PhaseDesignGuidance     Phase = "design_guidance"
	PhaseBuildGuidance      Phase = "build_guidance"
	PhaseAcceptanceCriteria Phase = "acceptance_criteria"
	PhaseDeployment         Phase = "deployment"
	PhaseClosed             Phase = "closed"
)

var phaseOrder = []Phase{
	PhaseRequirementRefiner,
	PhaseDesignGuidance,
	PhaseBuildGuidance,
	PhaseAcceptanceCriteria,
	PhaseDeployment,
	PhaseClosed,
}

// Phases returns all phases in lifecycle order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// NextPhase returns the structural successor of p. Deployment and closed both
// map to closed, so calling it at the terminal end never fails.
func NextPhase(p Phase) Phase {
	switch p {
	case PhaseRequirementRefiner:
		return PhaseDesignGuidance
	case PhaseDesignGuidance:
		return PhaseBuildGuidance
	case PhaseBuildGuidance:
		return PhaseAcceptanceCriteria
	case PhaseAcceptanceCriteria:
		return PhaseDeployment
	case PhaseDeployment, PhaseClosed:
		return PhaseClosed
	}
	panic(fmt.Sprintf("domain: unknown phase %q", string(p)))
}

func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Index is the zero-based lifecycle position, or -1 for unknown values.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) Terminal() bool { return p == PhaseClosed }

// ParsePhase validates a raw phase string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid phase %q", s)
	}
	return p, nil
}
