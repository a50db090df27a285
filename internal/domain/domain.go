package domain

// UnknownActorName is rendered when a directory lookup has no display name.
const UnknownActorName = "Unknown"

type Task struct {
	ID                string   `json:"id"`
	OrgID             string   `json:"org_id"`
	Title             string   `json:"title"`
	Description       string   `json:"description,omitempty"`
	AssignedTo        string   `json:"assigned_to"`
	Phase             Phase    `json:"phase" enum:"requirement_refiner,design_guidance,build_guidance,acceptance_criteria,deployment,closed"`
	SubState          SubState `json:"sub_state" enum:"in_progress,pending_validation"`
	SubmittedEvidence *string  `json:"submitted_evidence,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// State returns the (phase, sub-state) pair of the task.
func (t Task) State() TaskState {
	return TaskState{TaskID: t.ID, Phase: t.Phase, SubState: t.SubState}
}

// TaskState is what a decision call reports back: the persisted phase and
// sub-state after the transition committed.
type TaskState struct {
	TaskID   string   `json:"task_id"`
	Phase    Phase    `json:"phase"`
	SubState SubState `json:"sub_state"`
}

type Action string

const (
	ActionRequestValidation Action = "request_validation"
	ActionApprove           Action = "approve"
	ActionReject            Action = "reject"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRequestValidation, ActionApprove, ActionReject:
		return true
	}
	return false
}

// TransitionRecord is one immutable ledger row.
type TransitionRecord struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	TaskID    string  `json:"task_id"`
	OrgID     string  `json:"org_id,omitempty"`
	ActorID   string  `json:"actor_id"`
	ActorRole Role    `json:"actor_role"`
	Action    Action  `json:"action"`
	FromPhase Phase   `json:"from_phase"`
	ToPhase   Phase   `json:"to_phase"`
	Comment   *string `json:"comment,omitempty"`
	Evidence  *string `json:"evidence,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type HistoryEntry struct {
	Action    Action `json:"action"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
	Comment   string `json:"comment,omitempty"`
	FromPhase Phase  `json:"from_phase"`
	ToPhase   Phase  `json:"to_phase"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type QueueItem struct {
	TaskID             string   `json:"task_id"`
	Title              string   `json:"title"`
	Phase              Phase    `json:"phase"`
	NextRequestedPhase Phase    `json:"next_requested_phase"`
	AssignedToName     string   `json:"assigned_to_name"`
	SubState           SubState `json:"sub_state"`
	SubmittedEvidence  *string  `json:"submitted_evidence,omitempty"`
}

type Role string

const (
	RoleEmployee  Role = "employee"
	RoleTeamLead  Role = "team_lead"
	RoleManager   Role = "manager"
	RoleExecutive Role = "executive"
)

// Rank orders roles by authority; unknown roles rank 0.
func (r Role) Rank() int {
	switch r {
	case RoleEmployee:
		return 1
	case RoleTeamLead:
		return 2
	case RoleManager:
		return 3
	case RoleExecutive:
		return 4
	}
	return 0
}

func (r Role) Valid() bool { return r.Rank() > 0 }

// Actor is the identity record resolved from the directory.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role" enum:"employee,team_lead,manager,executive"`
	OrgID       string `json:"org_id"`
	CreatedAt   string `json:"created_at,omitempty" format:"date-time"`
}

// Name returns the display name, falling back to UnknownActorName.
func (a Actor) Name() string {
	if a.DisplayName == "" {
		return UnknownActorName
	}
	return a.DisplayName
}

// APIKey lets automation act as a directory actor. Only the SHA-256 of the
// secret is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
