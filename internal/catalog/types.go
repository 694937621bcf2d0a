package catalog

import (
	"slices"

	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

// ExecutorSpec tells the phase runner how to perform the execute phase of an action.
type ExecutorSpec struct {
	// Type selects the executor (simulated, shell, http).
	Type string `yaml:"type" json:"type"`
	// Command is the shell command for shell executors.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	// Args are shell command arguments.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
	// Env adds environment variables for shell executors.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// URL is the endpoint for http executors.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Method overrides the HTTP method.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Headers adds HTTP headers.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Async waits for a webhook callback instead of the HTTP response.
	Async bool `yaml:"async,omitempty" json:"async,omitempty"`
	// Timeout bounds a single phase.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Action is an operator-triggerable operation.
type Action struct {
	ID             string         `yaml:"id" json:"id"`
	Name           string         `yaml:"name" json:"name"`
	Description    string         `yaml:"description" json:"description"`
	Category       string         `yaml:"category" json:"category"`
	RiskLevel      rbac.RiskLevel `yaml:"risk_level" json:"riskLevel"`
	RequiredParams []params.Spec  `yaml:"required_params" json:"requiredParams"`
	RequiredRoles  []rbac.Role    `yaml:"required_roles" json:"requiredRoles"`
	TargetServices []string       `yaml:"target_services" json:"targetServices"`
	ContextTypes   []string       `yaml:"context_types" json:"contextTypes"`
	Executor       ExecutorSpec   `yaml:"executor,omitempty" json:"-"`
}

// Gate returns the authorization view of the action.
func (a Action) Gate() rbac.Gate {
	return rbac.Gate{ID: a.ID, Risk: a.RiskLevel, RequiredRoles: a.RequiredRoles}
}

// RequiresApproval reports whether runs of this action start gated.
func (a Action) RequiresApproval() bool {
	return a.RiskLevel.RequiresApproval()
}

// QueryTemplate is a fixed parameterized read statement.
type QueryTemplate struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Description   string        `yaml:"description" json:"description"`
	Type          string        `yaml:"type" json:"type"`
	SQL           string        `yaml:"sql" json:"-"`
	Params        []params.Spec `yaml:"params" json:"params"`
	RequiredRoles []rbac.Role   `yaml:"required_roles" json:"requiredRoles"`
}

// AllowsRole reports whether role is listed on the template.
func (t QueryTemplate) AllowsRole(role rbac.Role) bool {
	return slices.Contains(t.RequiredRoles, role)
}
