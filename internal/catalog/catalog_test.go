package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

func TestDefaultCatalogLoads(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	drop, ok := c.Action("drop-database")
	require.True(t, ok)
	assert.Equal(t, rbac.Critical, drop.RiskLevel)
	assert.True(t, drop.RequiresApproval())
	assert.Equal(t, []rbac.Role{rbac.Admin}, drop.RequiredRoles)

	provision, ok := c.Action("provision-environment")
	require.True(t, ok)
	assert.False(t, provision.RequiresApproval())
	assert.Equal(t, "region", provision.RequiredParams[1].Name)
	assert.Equal(t, params.TypeSelect, provision.RequiredParams[1].Type)

	_, ok = c.Action("nope")
	assert.False(t, ok)
	_, ok = c.Template("nope")
	assert.False(t, ok)
}

func TestCategoryAndTypeFiltersAreExact(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	remediation := c.ActionsByCategory("remediation")
	require.NotEmpty(t, remediation)
	for _, a := range remediation {
		assert.Equal(t, "remediation", a.Category)
	}
	assert.Empty(t, c.ActionsByCategory("Remediation"))
	assert.Empty(t, c.ActionsByCategory("remed"))

	users := c.TemplatesByType("users")
	assert.Len(t, users, 2)
}

func TestTemplatesForRole(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, role := range rbac.Roles() {
		got := c.TemplatesForRole(role)
		want := 0
		for _, tmpl := range c.Templates() {
			if tmpl.AllowsRole(role) {
				want++
			}
		}
		assert.Len(t, got, want, role.String())
		for _, tmpl := range got {
			assert.Contains(t, tmpl.RequiredRoles, role)
		}
	}
	assert.Len(t, c.TemplatesForRole(rbac.Viewer), 1)
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown field": `
actions:
  - id: a
    nme: typo
`,
		"empty roles": `
actions:
  - id: a
    risk_level: low
    required_roles: []
`,
		"unknown role": `
actions:
  - id: a
    risk_level: low
    required_roles: [owner]
`,
		"bad risk": `
actions:
  - id: a
    risk_level: extreme
    required_roles: [admin]
`,
		"select without options": `
actions:
  - id: a
    risk_level: low
    required_roles: [admin]
    required_params:
      - { name: region, type: select, required: true }
`,
		"undeclared placeholder": `
templates:
  - id: t
    sql: SELECT 1 WHERE id = :id
    required_roles: [admin]
`,
		"duplicate": `
actions:
  - { id: a, risk_level: low, required_roles: [admin] }
  - { id: a, risk_level: low, required_roles: [admin] }
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"service", "limit"},
		Placeholders("SELECT * FROM d WHERE service = :service AND x::text = :service LIMIT :limit"))
	assert.Empty(t, Placeholders("SELECT now()::date"))
}

func TestListsAreCopies(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	list := c.Actions()
	list[0].ID = "changed"
	first := c.Actions()[0]
	assert.NotEqual(t, "changed", first.ID)
}
