// Package dsl parses the console YAML configuration.
package dsl

import "github.com/Kristopherlb/harmony-sub001/internal/rbac"

// Config is the top-level YAML configuration.
type Config struct {
	// Server describes the MCP server settings.
	Server ServerConfig `yaml:"server"`
	// CatalogPath points at an action and template catalog; empty uses the embedded one.
	CatalogPath string `yaml:"catalog_path"`
	// Permissions overrides the built-in role table when set.
	Permissions []PermissionConfig `yaml:"permissions"`
	// Workflow configures the run engine.
	Workflow WorkflowConfig `yaml:"workflow"`
	// Approval configures external approval channels.
	Approval ApprovalConfig `yaml:"approval"`
	// SQL configures the template runner.
	SQL SQLConfig `yaml:"sql"`
	// Audit selects audit sinks.
	Audit AuditConfig `yaml:"audit"`
	// Events configures the NATS event bus.
	Events EventsConfig `yaml:"events"`
	// Limits sets per-caller request budgets.
	Limits LimitsConfig `yaml:"limits"`
	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig defines MCP server settings.
type ServerConfig struct {
	// Name is the MCP server name.
	Name string `yaml:"name"`
	// Version is the MCP server version.
	Version string `yaml:"version"`
	// Transport selects the server transport ("http" or "stdio").
	Transport string `yaml:"transport"`
	// ShutdownTimeout overrides graceful shutdown duration.
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// HTTP configures HTTP transport.
	HTTP HTTPConfig `yaml:"http"`
	// Idempotency configures replay of keyed execute calls.
	Idempotency IdempotencyConfig `yaml:"idempotency_cache"`
	// ExecutorWebhookURL is handed to async HTTP executors as their callback.
	ExecutorWebhookURL string `yaml:"executor_webhook_url"`
	// ExecutorWebhookPath is where async executor callbacks are served.
	ExecutorWebhookPath string `yaml:"executor_webhook_path"`
	// StdioCaller is the identity used for every call on the stdio transport.
	StdioCaller CallerConfig `yaml:"stdio_caller"`
	// StartupHooks run before the server starts serving.
	StartupHooks []HookConfig `yaml:"startup_hooks"`
}

// HookConfig is a command run at startup.
type HookConfig struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Timeout  string            `yaml:"timeout"`
	Optional bool              `yaml:"optional"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Path is the MCP HTTP endpoint path.
	Path string `yaml:"path"`
	// ReadTimeout limits request read time.
	ReadTimeout string `yaml:"read_timeout"`
	// WriteTimeout limits response write time.
	WriteTimeout string `yaml:"write_timeout"`
	// IdleTimeout controls idle connections.
	IdleTimeout string `yaml:"idle_timeout"`
	// Stateless disables session tracking.
	Stateless bool `yaml:"stateless"`
}

// IdempotencyConfig configures replay of keyed execute calls.
type IdempotencyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// CallerConfig is a fixed identity.
type CallerConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Role string `yaml:"role"`
}

// PermissionConfig is one row of the role table.
type PermissionConfig struct {
	Role              rbac.Role        `yaml:"role"`
	AllowedActions    []string         `yaml:"allowed_actions"`
	AllowedRiskLevels []rbac.RiskLevel `yaml:"allowed_risk_levels"`
	CanApprove        bool             `yaml:"can_approve"`
}

// WorkflowConfig configures the run engine.
type WorkflowConfig struct {
	// Runtime selects where phases run ("local" or "temporal").
	Runtime string `yaml:"runtime"`
	// Phases are the ordered phase labels.
	Phases []string `yaml:"phases"`
	// PrimaryPhase is the 1-based phase handed to the action executor; 0 picks the middle.
	PrimaryPhase int `yaml:"primary_phase"`
	// PhaseDelay is the pause between phases.
	PhaseDelay string `yaml:"phase_delay"`
	// Store selects the ledger backend.
	Store StoreConfig `yaml:"store"`
	// Temporal configures the durable runtime.
	Temporal TemporalConfig `yaml:"temporal"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type     string `yaml:"type"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TemporalConfig configures the durable runtime.
type TemporalConfig struct {
	HostPort         string `yaml:"host_port"`
	Namespace        string `yaml:"namespace"`
	TaskQueue        string `yaml:"task_queue"`
	WorkflowType     string `yaml:"workflow_type"`
	ExecutionTimeout string `yaml:"execution_timeout"`
	PhaseTimeout     string `yaml:"phase_timeout"`
	PollInterval     string `yaml:"poll_interval"`
	// Worker also runs a worker for the task queue inside this process.
	Worker bool `yaml:"worker"`
}

// ApprovalConfig configures external approval channels.
type ApprovalConfig struct {
	// PolicyPath points at the identity mapping file.
	PolicyPath string `yaml:"policy_path"`
	// Delivery is "local" or "temporal" and defaults to the workflow runtime.
	Delivery string `yaml:"delivery"`
	// WebhookPath serves chat button callbacks; empty disables the webhook.
	WebhookPath string `yaml:"webhook_path"`
	// WebhookSecret is the HMAC key callers sign webhook bodies with.
	WebhookSecret string `yaml:"webhook_secret"`
	// WebhookMaxSkew bounds the age of a signed timestamp.
	WebhookMaxSkew string `yaml:"webhook_max_skew"`
}

// SQLConfig configures the template runner.
type SQLConfig struct {
	// Executor is "fixture" or "postgres".
	Executor string `yaml:"executor"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	MaxRows  int    `yaml:"max_rows"`
	// Fixtures are canned results for the fixture executor, keyed by template id.
	Fixtures map[string]FixtureConfig `yaml:"fixtures"`
}

// FixtureConfig is a canned result set.
type FixtureConfig struct {
	Columns []string         `yaml:"columns"`
	Rows    []map[string]any `yaml:"rows"`
}

// AuditConfig selects audit sinks.
type AuditConfig struct {
	// Sinks lists "log", "nats" and "postgres".
	Sinks []string `yaml:"sinks"`
	// DSN is the Postgres connection string for the postgres sink.
	DSN string `yaml:"dsn"`
}

// EventsConfig configures the NATS event bus.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// SubscribeApprovals accepts approve and reject messages from the bus.
	SubscribeApprovals bool `yaml:"subscribe_approvals"`
}

// LimitsConfig sets per-caller request budgets; zero disables a limit.
type LimitsConfig struct {
	ExecutePerMinute int `yaml:"execute_per_minute"`
	QueryPerMinute   int `yaml:"query_per_minute"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RBAC returns the configured role table as rbac permissions.
func (c *Config) RBAC() []rbac.Permission {
	out := make([]rbac.Permission, 0, len(c.Permissions))
	for _, p := range c.Permissions {
		out = append(out, rbac.Permission{
			Role:              p.Role,
			AllowedActions:    p.AllowedActions,
			AllowedRiskLevels: p.AllowedRiskLevels,
			CanApprove:        p.CanApprove,
		})
	}
	return out
}
