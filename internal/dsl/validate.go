package dsl

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

const (
	// RuntimeLocal runs phases in-process.
	RuntimeLocal = "local"
	// RuntimeTemporal runs phases as a Temporal workflow.
	RuntimeTemporal = "temporal"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	SQLFixture  = "fixture"
	SQLPostgres = "postgres"

	SinkLog      = "log"
	SinkNATS     = "nats"
	SinkPostgres = "postgres"
)

// Validate applies defaults and verifies required fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if len(cfg.Permissions) > 0 {
		if _, err := rbac.NewModel(cfg.RBAC()); err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
	}
	if err := validateWorkflow(&cfg.Workflow); err != nil {
		return err
	}

	// Signals must reach the runtime that holds the gate.
	cfg.Approval.Delivery = normalize(cfg.Approval.Delivery, cfg.Workflow.Runtime)
	if cfg.Approval.Delivery != cfg.Workflow.Runtime {
		return fmt.Errorf("approval.delivery must match workflow.runtime")
	}
	if err := checkPath("approval.webhook_path", cfg.Approval.WebhookPath); err != nil {
		return err
	}
	if err := checkDuration("approval.webhook_max_skew", cfg.Approval.WebhookMaxSkew); err != nil {
		return err
	}

	cfg.SQL.Executor = normalize(cfg.SQL.Executor, SQLFixture)
	switch cfg.SQL.Executor {
	case SQLFixture:
	case SQLPostgres:
		if strings.TrimSpace(cfg.SQL.DSN) == "" {
			return fmt.Errorf("sql.dsn is required for the postgres executor")
		}
	default:
		return fmt.Errorf("sql.executor must be fixture or postgres")
	}
	if cfg.SQL.MaxConns < 0 || cfg.SQL.MaxRows < 0 {
		return fmt.Errorf("sql.max_conns and sql.max_rows must be >= 0")
	}

	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []string{SinkLog}
	}
	for i, sink := range cfg.Audit.Sinks {
		sink = strings.ToLower(strings.TrimSpace(sink))
		cfg.Audit.Sinks[i] = sink
		switch sink {
		case SinkLog:
		case SinkNATS:
			if !cfg.Events.Enabled {
				return fmt.Errorf("audit.sinks[%d]: nats requires events.enabled", i)
			}
		case SinkPostgres:
			if strings.TrimSpace(cfg.Audit.DSN) == "" {
				return fmt.Errorf("audit.dsn is required for the postgres sink")
			}
		default:
			return fmt.Errorf("audit.sinks[%d] must be log, nats, or postgres", i)
		}
	}

	if cfg.Events.Enabled && strings.TrimSpace(cfg.Events.URL) == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "harmony"
	}

	if cfg.Limits.ExecutePerMinute < 0 || cfg.Limits.QueryPerMinute < 0 {
		return fmt.Errorf("limits must be >= 0")
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return checkPath("metrics.path", cfg.Metrics.Path)
}

func validateServer(s *ServerConfig) error {
	if s.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("server.version is required")
	}
	s.Transport = normalize(s.Transport, "http")
	if s.Transport != "http" && s.Transport != "stdio" {
		return fmt.Errorf("server.transport must be http or stdio")
	}
	if err := checkDuration("server.shutdown_timeout", s.ShutdownTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(s.HTTP.Listen) == "" {
		s.HTTP.Listen = ":8080"
	}
	if s.HTTP.Path == "" {
		s.HTTP.Path = "/mcp"
	}
	if err := checkPath("server.http.path", s.HTTP.Path); err != nil {
		return err
	}
	for name, value := range map[string]string{
		"server.http.read_timeout":  s.HTTP.ReadTimeout,
		"server.http.write_timeout": s.HTTP.WriteTimeout,
		"server.http.idle_timeout":  s.HTTP.IdleTimeout,
	} {
		if err := checkDuration(name, value); err != nil {
			return err
		}
	}
	if s.Idempotency.Enabled {
		if s.Idempotency.TTL == "" {
			s.Idempotency.TTL = "1h"
		}
		if s.Idempotency.MaxEntries == 0 {
			s.Idempotency.MaxEntries = 1000
		}
		if s.Idempotency.MaxEntries < 0 {
			return fmt.Errorf("server.idempotency_cache.max_entries must be >= 0")
		}
		if err := checkDuration("server.idempotency_cache.ttl", s.Idempotency.TTL); err != nil {
			return err
		}
	}
	if s.ExecutorWebhookURL != "" {
		parsed, err := url.Parse(s.ExecutorWebhookURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("server.executor_webhook_url must be an absolute url")
		}
		if s.ExecutorWebhookPath == "" {
			s.ExecutorWebhookPath = parsed.Path
		}
	}
	if s.ExecutorWebhookPath == "" {
		s.ExecutorWebhookPath = "/webhooks/executor"
	}
	if err := checkPath("server.executor_webhook_path", s.ExecutorWebhookPath); err != nil {
		return err
	}
	for i, hook := range s.StartupHooks {
		if strings.TrimSpace(hook.Command) == "" {
			return fmt.Errorf("server.startup_hooks[%d].command is required", i)
		}
		if err := checkDuration(fmt.Sprintf("server.startup_hooks[%d].timeout", i), hook.Timeout); err != nil {
			return err
		}
	}
	if s.StdioCaller.Role != "" {
		if _, err := rbac.ParseRole(s.StdioCaller.Role); err != nil {
			return fmt.Errorf("server.stdio_caller.role: %w", err)
		}
	}
	return nil
}

func validateWorkflow(w *WorkflowConfig) error {
	w.Runtime = normalize(w.Runtime, RuntimeLocal)
	if w.Runtime != RuntimeLocal && w.Runtime != RuntimeTemporal {
		return fmt.Errorf("workflow.runtime must be local or temporal")
	}
	for i, phase := range w.Phases {
		if strings.TrimSpace(phase) == "" {
			return fmt.Errorf("workflow.phases[%d] is empty", i)
		}
	}
	if w.PrimaryPhase < 0 || (len(w.Phases) > 0 && w.PrimaryPhase > len(w.Phases)) {
		return fmt.Errorf("workflow.primary_phase is out of range")
	}
	if err := checkDuration("workflow.phase_delay", w.PhaseDelay); err != nil {
		return err
	}

	w.Store.Type = normalize(w.Store.Type, StoreMemory)
	switch w.Store.Type {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(w.Store.Addr) == "" {
			return fmt.Errorf("workflow.store.addr is required for redis")
		}
	default:
		return fmt.Errorf("workflow.store.type must be memory or redis")
	}
	if w.Store.Prefix == "" {
		w.Store.Prefix = "harmony"
	}

	t := &w.Temporal
	if w.Runtime == RuntimeTemporal && strings.TrimSpace(t.HostPort) == "" {
		return fmt.Errorf("workflow.temporal.host_port is required for the temporal runtime")
	}
	if t.Namespace == "" {
		t.Namespace = "default"
	}
	if t.TaskQueue == "" {
		t.TaskQueue = "harmony-actions"
	}
	for name, value := range map[string]string{
		"workflow.temporal.execution_timeout": t.ExecutionTimeout,
		"workflow.temporal.phase_timeout":     t.PhaseTimeout,
		"workflow.temporal.poll_interval":     t.PollInterval,
	} {
		if err := checkDuration(name, value); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration string, returning def when empty.
func ParseDuration(value string, def time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func checkDuration(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be >= 0", field)
	}
	return nil
}

func checkPath(field, value string) error {
	if value != "" && !strings.HasPrefix(value, "/") {
		return fmt.Errorf("%s must start with /", field)
	}
	return nil
}

func normalize(value, def string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return def
	}
	return value
}
