package domain

import "fmt"

// SubState is the decision-cycle status of a task inside its current phase.
// Approval and rejection are ledger actions, not resting states.
type SubState string

const (
	SubStateInProgress        SubState = "in_progress"
	SubStatePendingValidation SubState = "pending_validation"
)

func (s SubState) Valid() bool {
	switch s {
	case SubStateInProgress, SubStatePendingValidation:
		return true
	}
	return false
}

func ParseSubState(s string) (SubState, error) {
	v := SubState(s)
	if !v.Valid() {
		return "", fmt.Errorf("invalid sub_state %q", s)
	}
	return v, nil
}

// Transition describes the effect of an action on a task's state.
type Transition struct {
	Action Action
	From   TaskState
	To     TaskState
}

// Apply computes the next state for action a from the current state, or
// returns an error wrapping ErrInvalidState when the precondition fails.
// Authorization and input validation are the caller's job.
func Apply(cur TaskState, a Action) (Transition, error) {
	next := cur
	switch a {
	case ActionRequestValidation:
		if cur.Phase.Terminal() {
			return Transition{}, fmt.Errorf("%w: task %s is closed", ErrInvalidState, cur.TaskID)
		}
		if cur.SubState != SubStateInProgress {
			return Transition{}, fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidState, cur.TaskID, cur.SubState, SubStateInProgress)
		}
		next.SubState = SubStatePendingValidation
	case ActionApprove:
		if cur.SubState != SubStatePendingValidation {
			return Transition{}, fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidState, cur.TaskID, cur.SubState, SubStatePendingValidation)
		}
		next.Phase = NextPhase(cur.Phase)
		next.SubState = SubStateInProgress
	case ActionReject:
		if cur.SubState != SubStatePendingValidation {
			return Transition{}, fmt.Errorf("%w: task %s is %s, expected %s", ErrInvalidState, cur.TaskID, cur.SubState, SubStatePendingValidation)
		}
		next.SubState = SubStateInProgress
	default:
		return Transition{}, fmt.Errorf("%w: unknown action %q", ErrValidation, string(a))
	}
	return Transition{Action: a, From: cur, To: next}, nil
}
