package gate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/config"
	"phasegate/internal/domain"
)

func policy(scope string) RolePolicy {
	cfg := config.Default().Gate
	cfg.Scope = scope
	return NewRolePolicy(cfg)
}

func TestCanDecideRequiresApproverRole(t *testing.T) {
	p := policy(config.ScopeOrganization)
	task := domain.Task{ID: "t1", OrgID: "acme", AssignedTo: "dev"}

	err := p.CanDecide(domain.Actor{ID: "emp", Role: domain.RoleEmployee, OrgID: "acme"}, task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))

	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermDecide, fe.Permission)

	for _, role := range []domain.Role{domain.RoleTeamLead, domain.RoleManager, domain.RoleExecutive} {
		assert.NoError(t, p.CanDecide(domain.Actor{ID: "lead", Role: role, OrgID: "acme"}, task), "role %s", role)
	}
}

func TestCanDecideOrganizationScope(t *testing.T) {
	task := domain.Task{ID: "t1", OrgID: "acme", AssignedTo: "dev"}
	outsider := domain.Actor{ID: "mgr", Role: domain.RoleManager, OrgID: "globex"}

	assert.ErrorIs(t, policy(config.ScopeOrganization).CanDecide(outsider, task), domain.ErrUnauthorized)
	assert.NoError(t, policy(config.ScopeGlobal).CanDecide(outsider, task))
}

func TestCanDecideSelfApproval(t *testing.T) {
	task := domain.Task{ID: "t1", OrgID: "acme", AssignedTo: "lead"}
	lead := domain.Actor{ID: "lead", Role: domain.RoleTeamLead, OrgID: "acme"}

	p := policy(config.ScopeOrganization)
	assert.ErrorIs(t, p.CanDecide(lead, task), domain.ErrUnauthorized)

	p.AllowSelfApproval = true
	assert.NoError(t, p.CanDecide(lead, task))
}

func TestCanRequestOnlyAssignee(t *testing.T) {
	p := policy(config.ScopeOrganization)
	task := domain.Task{ID: "t1", OrgID: "acme", AssignedTo: "dev"}

	assert.NoError(t, p.CanRequest(domain.Actor{ID: "dev", Role: domain.RoleEmployee, OrgID: "acme"}, task))
	assert.ErrorIs(t, p.CanRequest(domain.Actor{ID: "exec", Role: domain.RoleExecutive, OrgID: "acme"}, task), domain.ErrUnauthorized)
}

func TestCanReadScopedToOrg(t *testing.T) {
	task := domain.Task{ID: "t1", OrgID: "acme", AssignedTo: "dev"}
	colleague := domain.Actor{ID: "qa", Role: domain.RoleEmployee, OrgID: "acme"}
	outsider := domain.Actor{ID: "eve", Role: domain.RoleEmployee, OrgID: "globex"}
	foreignLead := domain.Actor{ID: "gl", Role: domain.RoleTeamLead, OrgID: "globex"}

	p := policy(config.ScopeOrganization)
	assert.NoError(t, p.CanRead(colleague, task))
	assert.NoError(t, p.CanRead(domain.Actor{ID: "dev", Role: domain.RoleEmployee, OrgID: "globex"}, task))
	assert.ErrorIs(t, p.CanRead(outsider, task), domain.ErrUnauthorized)
	assert.ErrorIs(t, p.CanRead(foreignLead, task), domain.ErrUnauthorized)

	g := policy(config.ScopeGlobal)
	assert.NoError(t, g.CanRead(foreignLead, task))
	assert.ErrorIs(t, g.CanRead(outsider, task), domain.ErrUnauthorized)
}

func TestQueueOrg(t *testing.T) {
	actor := domain.Actor{ID: "mgr", Role: domain.RoleManager, OrgID: "acme"}
	assert.Equal(t, "acme", policy(config.ScopeOrganization).QueueOrg(actor))
	assert.Equal(t, "", policy(config.ScopeGlobal).QueueOrg(actor))

	assert.ErrorIs(t, policy(config.ScopeGlobal).CanViewQueue(domain.Actor{ID: "e", Role: domain.RoleEmployee}), domain.ErrUnauthorized)
	assert.NoError(t, policy(config.ScopeGlobal).CanViewQueue(actor))
}

func TestRequireRole(t *testing.T) {
	assert.NoError(t, RequireRole(domain.Actor{Role: domain.RoleExecutive}, domain.RoleExecutive, PermManageDirectory))
	assert.ErrorIs(t, RequireRole(domain.Actor{Role: domain.RoleManager}, domain.RoleExecutive, PermManageDirectory), domain.ErrUnauthorized)
}
