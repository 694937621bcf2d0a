package rbac

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewModelRequiresEveryRole(t *testing.T) {
	perms := DefaultPermissions()[:3]
	_, err := NewModel(perms)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")

	dup := append(DefaultPermissions(), Permission{Role: Viewer})
	_, err = NewModel(dup)
	require.Error(t, err)
}

func TestCanExecuteActionIsConjunction(t *testing.T) {
	perms := DefaultPermissions()
	perms[Developer].AllowedActions = []string{"restart-service"}
	model, err := NewModel(perms)
	require.NoError(t, err)

	ids := []string{"restart-service", "drop-database"}
	requiredSets := [][]Role{
		{Viewer, Developer, SRE, Admin},
		{SRE, Admin},
		{Admin},
		{Developer},
	}

	for _, role := range Roles() {
		p, ok := model.Permissions(role)
		require.True(t, ok)
		for _, risk := range RiskLevels() {
			for _, id := range ids {
				for _, required := range requiredSets {
					gate := Gate{ID: id, Risk: risk, RequiredRoles: required}
					want := slices.Contains(required, role) &&
						slices.Contains(p.AllowedRiskLevels, risk) &&
						(slices.Contains(p.AllowedActions, Wildcard) || slices.Contains(p.AllowedActions, id))
					assert.Equal(t, want, model.CanExecuteAction(role, gate),
						"role=%s risk=%s id=%s required=%v", role, risk, id, required)
				}
			}
		}
	}
}

func TestAllowlistAndRiskCeilingAreIndependent(t *testing.T) {
	perms := DefaultPermissions()
	perms[Developer].AllowedActions = []string{"restart-service"}
	model, err := NewModel(perms)
	require.NoError(t, err)

	everyone := []Role{Viewer, Developer, SRE, Admin}
	assert.True(t, model.CanExecuteAction(Developer, Gate{ID: "restart-service", Risk: Low, RequiredRoles: everyone}))
	assert.False(t, model.CanExecuteAction(Developer, Gate{ID: "scale-up", Risk: Low, RequiredRoles: everyone}))
	assert.False(t, model.CanExecuteAction(Developer, Gate{ID: "restart-service", Risk: High, RequiredRoles: everyone}))
	assert.False(t, model.CanExecuteAction(Admin, Gate{ID: "restart-service", Risk: Low, RequiredRoles: []Role{SRE}}))
}

func TestCanApprove(t *testing.T) {
	model := DefaultModel()
	assert.False(t, model.CanApprove(Viewer))
	assert.False(t, model.CanApprove(Developer))
	assert.True(t, model.CanApprove(SRE))
	assert.True(t, model.CanApprove(Admin))
	assert.False(t, model.CanApprove(Role(42)))
	assert.False(t, model.CanApproveName("root"))
	assert.True(t, model.CanApproveName("ADMIN"))
	assert.False(t, model.AnyCanApprove(nil))
	assert.True(t, model.AnyCanApprove([]string{"viewer", "sre"}))
}

func TestParseAndText(t *testing.T) {
	role, err := ParseRole(" SRE ")
	require.NoError(t, err)
	assert.Equal(t, SRE, role)
	_, err = ParseRole("owner")
	assert.Error(t, err)

	var level RiskLevel
	require.NoError(t, level.UnmarshalText([]byte("critical")))
	assert.Equal(t, Critical, level)
	assert.True(t, level.RequiresApproval())
	assert.False(t, Medium.RequiresApproval())

	text, err := Admin.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "admin", string(text))
	_, err = Role(9).MarshalText()
	assert.Error(t, err)
}

func TestPermissionsReturnsCopy(t *testing.T) {
	model := DefaultModel()
	p, _ := model.Permissions(Admin)
	p.AllowedRiskLevels[0] = Critical
	again, _ := model.Permissions(Admin)
	assert.Equal(t, Low, again.AllowedRiskLevels[0])

	_, ok := model.Permissions(Role(-1))
	assert.False(t, ok)
}
