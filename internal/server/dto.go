package server

import (
	"phasegate/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	OrgID       *string `json:"org_id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	AssignedTo  string  `json:"assigned_to"`
	Phase       *string `json:"phase,omitempty" enum:"requirement_refiner,design_guidance,build_guidance,acceptance_criteria,deployment"`
}

type RequestValidationRequest struct {
	Evidence *string `json:"evidence,omitempty" doc:"Opaque reference to submitted work (URL, artifact id)"`
}

type ApproveRequest struct {
	Comment *string `json:"comment,omitempty"`
}

type RejectRequest struct {
	Reason *string `json:"reason,omitempty" doc:"Mandatory, non-empty"`
}

type PutActorRequest struct {
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role" enum:"employee,team_lead,manager,executive"`
	OrgID       *string `json:"org_id,omitempty"`
}

// Responses

type TaskStateResponse struct {
	Phase    domain.Phase    `json:"phase" enum:"requirement_refiner,design_guidance,build_guidance,acceptance_criteria,deployment,closed"`
	SubState domain.SubState `json:"sub_state" enum:"in_progress,pending_validation"`
}

type QueueResponse struct {
	Items []domain.QueueItem `json:"items"`
}

type HistoryResponse struct {
	TaskID  string                `json:"task_id"`
	Entries []domain.HistoryEntry `json:"entries"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedTransitions struct {
	Items      []domain.TransitionRecord `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string      `json:"actor_id"`
	DisplayName string      `json:"display_name"`
	Role        domain.Role `json:"role"`
	OrgID       string      `json:"org_id"`
	Source      string      `json:"source"`
}

func taskStateResponse(s domain.TaskState) TaskStateResponse {
	return TaskStateResponse{Phase: s.Phase, SubState: s.SubState}
}

func nonNilTasks(items []domain.Task) []domain.Task {
	if items == nil {
		return []domain.Task{}
	}
	return items
}
