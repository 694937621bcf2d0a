package rbac

import (
	"fmt"
	"strings"
)

// Role is a closed set of console roles.
type Role int

// Roles in ascending privilege order.
const (
	Viewer Role = iota
	Developer
	SRE
	Admin

	roleCount
)

var roleNames = [roleCount]string{"viewer", "developer", "sre", "admin"}

// Roles returns every role in declaration order.
func Roles() []Role {
	return []Role{Viewer, Developer, SRE, Admin}
}

func (r Role) String() string {
	if !r.valid() {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

func (r Role) valid() bool {
	return r >= 0 && r < roleCount
}

// ParseRole converts a role name into a Role.
func ParseRole(value string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for i, candidate := range roleNames {
		if candidate == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown role: %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RiskLevel is a closed set of action risk tiers.
type RiskLevel int

// Risk levels in ascending order.
const (
	Low RiskLevel = iota
	Medium
	High
	Critical

	riskCount
)

var riskNames = [riskCount]string{"low", "medium", "high", "critical"}

// RiskLevels returns every risk level in ascending order.
func RiskLevels() []RiskLevel {
	return []RiskLevel{Low, Medium, High, Critical}
}

func (l RiskLevel) String() string {
	if !l.valid() {
		return fmt.Sprintf("risk(%d)", int(l))
	}
	return riskNames[l]
}

func (l RiskLevel) valid() bool {
	return l >= 0 && l < riskCount
}

// RequiresApproval reports whether runs at this level wait for a human decision.
func (l RiskLevel) RequiresApproval() bool {
	return l == High || l == Critical
}

// ParseRiskLevel converts a risk name into a RiskLevel.
func ParseRiskLevel(value string) (RiskLevel, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for i, candidate := range riskNames {
		if candidate == name {
			return RiskLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown risk level: %q", value)
}

// MarshalText implements encoding.TextMarshaler.
func (l RiskLevel) MarshalText() ([]byte, error) {
	if !l.valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
