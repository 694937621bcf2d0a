// Package rbac holds the role to permission table and the action authorization rule.
package rbac

import (
	"fmt"
	"slices"
)

// Wildcard in AllowedActions grants every action id.
const Wildcard = "*"

// Permission is the grant attached to one role.
type Permission struct {
	Role              Role
	AllowedActions    []string
	AllowedRiskLevels []RiskLevel
	CanApprove        bool
}

func (p Permission) allowsAction(id string) bool {
	return slices.Contains(p.AllowedActions, Wildcard) || slices.Contains(p.AllowedActions, id)
}

func (p Permission) allowsRisk(level RiskLevel) bool {
	return slices.Contains(p.AllowedRiskLevels, level)
}

// Gate is the authorization view of a catalog action.
type Gate struct {
	ID            string
	Risk          RiskLevel
	RequiredRoles []Role
}

// Model is an immutable table with exactly one Permission per Role.
type Model struct {
	table [roleCount]Permission
}

// NewModel validates that perms covers every role exactly once.
func NewModel(perms []Permission) (*Model, error) {
	var (
		m    Model
		seen [roleCount]bool
	)
	for _, p := range perms {
		if !p.Role.valid() {
			return nil, fmt.Errorf("permission for invalid role %d", int(p.Role))
		}
		if seen[p.Role] {
			return nil, fmt.Errorf("duplicate permission for role %s", p.Role)
		}
		for _, level := range p.AllowedRiskLevels {
			if !level.valid() {
				return nil, fmt.Errorf("role %s: invalid risk level %d", p.Role, int(level))
			}
		}
		seen[p.Role] = true
		p.AllowedActions = slices.Clone(p.AllowedActions)
		p.AllowedRiskLevels = slices.Clone(p.AllowedRiskLevels)
		m.table[p.Role] = p
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing permission for role %s", Role(i))
		}
	}
	return &m, nil
}

// DefaultModel returns the built-in permission table.
func DefaultModel() *Model {
	m, err := NewModel(DefaultPermissions())
	if err != nil {
		panic(err)
	}
	return m
}

// DefaultPermissions lists the built-in grants.
func DefaultPermissions() []Permission {
	return []Permission{
		{Role: Viewer, AllowedActions: nil, AllowedRiskLevels: []RiskLevel{Low}},
		{Role: Developer, AllowedActions: []string{Wildcard}, AllowedRiskLevels: []RiskLevel{Low, Medium}},
		{Role: SRE, AllowedActions: []string{Wildcard}, AllowedRiskLevels: []RiskLevel{Low, Medium, High}, CanApprove: true},
		{Role: Admin, AllowedActions: []string{Wildcard}, AllowedRiskLevels: []RiskLevel{Low, Medium, High, Critical}, CanApprove: true},
	}
}

// Permissions returns the grant for role.
func (m *Model) Permissions(role Role) (Permission, bool) {
	if !role.valid() {
		return Permission{}, false
	}
	p := m.table[role]
	p.AllowedActions = slices.Clone(p.AllowedActions)
	p.AllowedRiskLevels = slices.Clone(p.AllowedRiskLevels)
	return p, true
}

// CanExecuteAction requires the role to be listed on the action, the risk to be within
// the role's ceiling and the action id to be on the role's allowlist.
func (m *Model) CanExecuteAction(role Role, gate Gate) bool {
	if !role.valid() {
		return false
	}
	p := m.table[role]
	return slices.Contains(gate.RequiredRoles, role) &&
		p.allowsRisk(gate.Risk) &&
		p.allowsAction(gate.ID)
}

// CanApprove reports whether role may approve or reject gated runs.
func (m *Model) CanApprove(role Role) bool {
	if !role.valid() {
		return false
	}
	return m.table[role].CanApprove
}

// CanApproveName is CanApprove for an unparsed role name; unknown names are denied.
func (m *Model) CanApproveName(name string) bool {
	role, err := ParseRole(name)
	if err != nil {
		return false
	}
	return m.CanApprove(role)
}

// AnyCanApprove reports whether at least one of names is an approving role.
func (m *Model) AnyCanApprove(names []string) bool {
	for _, name := range names {
		if m.CanApproveName(name) {
			return true
		}
	}
	return false
}
