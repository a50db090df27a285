// Package gate decides who may view the validation queue and who may act on
// a task.
package gate

import (
	"fmt"

	"phasegate/internal/config"
	"phasegate/internal/domain"
)

// Permission names reported in ForbiddenError.
const (
	PermViewQueue       = "queue.view"
	PermDecide          = "task.decide"
	PermRequest         = "task.request_validation"
	PermManageDirectory = "directory.manage"
	PermReadDirectory   = "directory.read"
	PermReadTask        = "task.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	ActorID    string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission %s required: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrUnauthorized }

// Policy answers authorization questions. A nil error means allowed.
type Policy interface {
	CanViewQueue(actor domain.Actor) error
	CanDecide(actor domain.Actor, task domain.Task) error
	CanRequest(actor domain.Actor, task domain.Task) error
	CanRead(actor domain.Actor, task domain.Task) error
	// QueueOrg is the org filter for actor's queue reads; empty means every
	// organization.
	QueueOrg(actor domain.Actor) string
}

// RolePolicy grants decision authority to a configured set of roles.
type RolePolicy struct {
	Scope             string
	ApproverRoles     map[domain.Role]bool
	AllowSelfApproval bool
}

// NewRolePolicy builds a RolePolicy from validated gate config.
func NewRolePolicy(cfg config.GateConfig) RolePolicy {
	roles := make(map[domain.Role]bool, len(cfg.ApproverRoles))
	for _, r := range cfg.Roles() {
		roles[r] = true
	}
	return RolePolicy{
		Scope:             cfg.Scope,
		ApproverRoles:     roles,
		AllowSelfApproval: cfg.AllowSelfApproval,
	}
}

func (p RolePolicy) CanViewQueue(actor domain.Actor) error {
	if !p.ApproverRoles[actor.Role] {
		return ForbiddenError{Permission: PermViewQueue, ActorID: actor.ID, Reason: fmt.Sprintf("role %q is not an approver role", actor.Role)}
	}
	return nil
}

func (p RolePolicy) CanDecide(actor domain.Actor, task domain.Task) error {
	if !p.ApproverRoles[actor.Role] {
		return ForbiddenError{Permission: PermDecide, ActorID: actor.ID, Reason: fmt.Sprintf("role %q is not an approver role", actor.Role)}
	}
	if p.Scope != config.ScopeGlobal && actor.OrgID != task.OrgID {
		return ForbiddenError{Permission: PermDecide, ActorID: actor.ID, Reason: "task belongs to another organization"}
	}
	if !p.AllowSelfApproval && actor.ID == task.AssignedTo {
		return ForbiddenError{Permission: PermDecide, ActorID: actor.ID, Reason: "approvers cannot decide on their own tasks"}
	}
	return nil
}

func (p RolePolicy) CanRequest(actor domain.Actor, task domain.Task) error {
	if actor.ID != task.AssignedTo {
		return ForbiddenError{Permission: PermRequest, ActorID: actor.ID, Reason: "only the assignee can request validation"}
	}
	return nil
}

// CanRead allows the assignee, members of the task's organization and, with
// global scope, any approver.
func (p RolePolicy) CanRead(actor domain.Actor, task domain.Task) error {
	if actor.ID == task.AssignedTo || actor.OrgID == task.OrgID {
		return nil
	}
	if p.Scope == config.ScopeGlobal && p.ApproverRoles[actor.Role] {
		return nil
	}
	return ForbiddenError{Permission: PermReadTask, ActorID: actor.ID, Reason: "task belongs to another organization"}
}

func (p RolePolicy) QueueOrg(actor domain.Actor) string {
	if p.Scope == config.ScopeGlobal {
		return ""
	}
	return actor.OrgID
}

// RequireRole checks that actor holds at least min in the role hierarchy.
func RequireRole(actor domain.Actor, min domain.Role, perm string) error {
	if actor.Role.Rank() < min.Rank() {
		return ForbiddenError{Permission: perm, ActorID: actor.ID, Reason: fmt.Sprintf("role %s or higher required", min)}
	}
	return nil
}
