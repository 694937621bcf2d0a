package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/sdk/client"

	"github.com/Kristopherlb/harmony-sub001/internal/approval"
	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/config"
	"github.com/Kristopherlb/harmony-sub001/internal/console"
	"github.com/Kristopherlb/harmony-sub001/internal/dsl"
	"github.com/Kristopherlb/harmony-sub001/internal/durable"
	"github.com/Kristopherlb/harmony-sub001/internal/eventbus"
	"github.com/Kristopherlb/harmony-sub001/internal/http/health"
	"github.com/Kristopherlb/harmony-sub001/internal/idempotency"
	"github.com/Kristopherlb/harmony-sub001/internal/limits"
	"github.com/Kristopherlb/harmony-sub001/internal/metrics"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
	"github.com/Kristopherlb/harmony-sub001/internal/runtime"
	"github.com/Kristopherlb/harmony-sub001/internal/runtime/executor"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner/pgexec"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow/redisstore"
)

// components is everything main serves and later shuts down.
type components struct {
	server  *mcp.Server
	routes  map[string]http.Handler
	health  *health.Handler
	closers []func()
}

func (c *components) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (c *components) close() {
	for _, fn := range slices.Backward(c.closers) {
		fn()
	}
}

func wire(ctx context.Context, env config.Config, cfg *dsl.Config, logger *slog.Logger) (_ *components, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &components{routes: map[string]http.Handler{}, health: health.New(0)}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	perms := rbac.DefaultModel()
	if len(cfg.Permissions) > 0 {
		if perms, err = rbac.NewModel(cfg.RBAC()); err != nil {
			return nil, fmt.Errorf("permissions: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if m, err = metrics.New(reg); err != nil {
			return nil, err
		}
		c.routes[cfg.Metrics.Path] = metrics.Handler(reg)
	}

	var bus *nats.Conn
	if cfg.Events.Enabled {
		if bus, err = eventbus.Connect(cfg.Events.URL, logger); err != nil {
			return nil, err
		}
		c.onClose(func() { _ = bus.Drain() })
		c.health.Add("nats", func(context.Context) error {
			if !bus.IsConnected() {
				return fmt.Errorf("nats status %s", bus.Status())
			}
			return nil
		})
	}
	var publisher *eventbus.Publisher
	if bus != nil {
		publisher = eventbus.NewPublisher(bus, cfg.Events.SubjectPrefix, logger)
	}

	sink, err := auditSink(ctx, c, cfg.Audit, publisher, logger)
	if err != nil {
		return nil, err
	}

	store, err := ledger(ctx, c, cfg.Workflow.Store)
	if err != nil {
		return nil, err
	}

	pending := executor.NewPendingStore()
	c.routes[cfg.Server.ExecutorWebhookPath] = &executor.WebhookHandler{Store: pending, Logger: logger}
	registry := executor.Registry{Pending: pending, WebhookURL: cfg.Server.ExecutorWebhookURL}

	var observers []workflow.Observer
	if m != nil {
		observers = append(observers, m)
	}
	if publisher != nil {
		observers = append(observers, publisher)
	}

	wf := cfg.Workflow
	phaseDelay := dsl.ParseDuration(wf.PhaseDelay, 0)
	var (
		runner   workflow.Runner
		temporal *durable.Client
	)
	switch wf.Runtime {
	case dsl.RuntimeTemporal:
		tc, err := durable.Dial(ctx, wf.Temporal.HostPort, wf.Temporal.Namespace, logger)
		if err != nil {
			return nil, err
		}
		c.onClose(tc.Close)
		c.health.Add("temporal", func(ctx context.Context) error {
			_, err := tc.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		})
		temporal = durable.NewClient(tc, durable.Config{
			TaskQueue:        wf.Temporal.TaskQueue,
			WorkflowType:     wf.Temporal.WorkflowType,
			ExecutionTimeout: dsl.ParseDuration(wf.Temporal.ExecutionTimeout, 0),
			Phases:           wf.Phases,
			Primary:          wf.PrimaryPhase,
			PhaseDelay:       phaseDelay,
			PhaseTimeout:     dsl.ParseDuration(wf.Temporal.PhaseTimeout, 0),
		})
		runner = &durable.Runner{Client: temporal, PollInterval: dsl.ParseDuration(wf.Temporal.PollInterval, 0)}
		if wf.Temporal.Worker {
			w := durable.NewWorker(tc, wf.Temporal.TaskQueue, wf.Temporal.WorkflowType, &durable.Activities{Actions: cat, Executors: registry})
			if err := w.Start(); err != nil {
				return nil, fmt.Errorf("start temporal worker: %w", err)
			}
			c.onClose(w.Stop)
		}
	default:
		runner = workflow.LocalRunner{Phases: wf.Phases, Delay: phaseDelay, Primary: wf.PrimaryPhase, Executors: registry}
	}

	engine := workflow.NewEngine(store, cat, runner, workflow.Options{
		Logger:    logger,
		Audit:     sink,
		Observers: observers,
	})
	c.onClose(engine.Close)

	var deliverer approval.Deliverer = approval.LocalDeliverer{Engine: engine}
	if cfg.Approval.Delivery == dsl.RuntimeTemporal {
		deliverer = durable.SignalDeliverer{Client: temporal, Engine: engine}
	}
	bridge := &approval.Bridge{
		Resolver:  approval.LoadPolicy(cfg.Approval.PolicyPath, logger),
		Authz:     perms,
		Deliverer: deliverer,
		Audit:     sink,
		Logger:    logger,
	}
	if cfg.Approval.WebhookPath != "" {
		if cfg.Approval.WebhookSecret == "" {
			logger.Warn("approval webhook has no secret and will refuse callbacks", "path", cfg.Approval.WebhookPath)
		}
		c.routes[cfg.Approval.WebhookPath] = &approval.WebhookHandler{
			Bridge:  bridge,
			Logger:  logger,
			Secret:  cfg.Approval.WebhookSecret,
			MaxSkew: dsl.ParseDuration(cfg.Approval.WebhookMaxSkew, 5*time.Minute),
		}
	}
	if bus != nil && cfg.Events.SubscribeApprovals {
		sub := eventbus.NewSubscriber(bus, cfg.Events.SubjectPrefix, bridge, logger)
		if err := sub.Start(); err != nil {
			return nil, err
		}
		c.onClose(sub.Close)
	}

	queries, err := queryRunner(ctx, c, cfg.SQL, cat, sink, m, logger)
	if err != nil {
		return nil, err
	}

	opts := console.Options{
		Logger: logger,
		Limiter: limits.New(map[string]int{
			limits.OpExecute: cfg.Limits.ExecutePerMinute,
			limits.OpQuery:   cfg.Limits.QueryPerMinute,
		}),
	}
	if m != nil {
		opts.Rejections = m
	}
	if idem := cfg.Server.Idempotency; idem.Enabled {
		opts.Idempotency = idempotency.NewCache[workflow.StartResult](dsl.ParseDuration(idem.TTL, time.Hour), idem.MaxEntries)
	}
	svc := console.New(cat, perms, engine, queries, bridge, opts)

	// Only stdio has no proxy to vouch for the caller.
	var callers runtime.CallerResolver
	if cfg.Server.Transport == "stdio" {
		callers.Fallback = stdioCaller(env, cfg.Server.StdioCaller)
	}
	c.server, err = runtime.Builder{
		Logger:  logger,
		Service: svc,
		Catalog: cat,
		Callers: callers,
	}.Build(cfg.Server.Name, cfg.Server.Version)
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}
	return c, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func auditSink(ctx context.Context, c *components, cfg dsl.AuditConfig, publisher *eventbus.Publisher, logger *slog.Logger) (audit.Sink, error) {
	var sinks audit.Multi
	for _, name := range cfg.Sinks {
		switch name {
		case dsl.SinkLog:
			sinks = append(sinks, audit.NewLogSink(logger))
		case dsl.SinkNATS:
			sinks = append(sinks, publisher)
		case dsl.SinkPostgres:
			pool, err := pgexec.Connect(ctx, cfg.DSN, 0)
			if err != nil {
				return nil, fmt.Errorf("audit: %w", err)
			}
			c.onClose(pool.Close)
			c.health.Add("audit-postgres", pool.Ping)
			pg := audit.NewPostgresSink(pool)
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
			sinks = append(sinks, pg)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func ledger(ctx context.Context, c *components, cfg dsl.StoreConfig) (workflow.Store, error) {
	if cfg.Type != dsl.StoreRedis {
		return workflow.NewMemoryStore(), nil
	}
	rdb, err := redisstore.Connect(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, err
	}
	c.onClose(func() { _ = rdb.Close() })
	c.health.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	return redisstore.New(rdb, cfg.Prefix), nil
}

func queryRunner(ctx context.Context, c *components, cfg dsl.SQLConfig, cat *catalog.Catalog, sink audit.Sink, m *metrics.Metrics, logger *slog.Logger) (*sqlrunner.Runner, error) {
	var exec sqlrunner.QueryExecutor
	switch cfg.Executor {
	case dsl.SQLPostgres:
		pool, err := pgexec.Connect(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("sql: %w", err)
		}
		c.onClose(pool.Close)
		c.health.Add("sql-postgres", pool.Ping)
		exec = pgexec.New(pool, cfg.MaxRows)
	default:
		results := make(map[string]sqlrunner.ResultSet, len(cfg.Fixtures))
		for id, f := range cfg.Fixtures {
			results[id] = sqlrunner.ResultSet{Columns: f.Columns, Rows: f.Rows, RowCount: len(f.Rows)}
		}
		exec = sqlrunner.FixtureExecutor{Results: results}
	}
	opts := sqlrunner.Options{Logger: logger}
	if m != nil {
		opts.Observer = m
	}
	return sqlrunner.New(cat, exec, sink, opts), nil
}

// stdioCaller merges the configured stdio identity with environment overrides; nil when no id is set.
func stdioCaller(env config.Config, cfg dsl.CallerConfig) *console.Caller {
	id, name, role := cfg.ID, cfg.Name, cfg.Role
	if env.CallerID != "" {
		id = env.CallerID
	}
	if env.CallerName != "" {
		name = env.CallerName
	}
	if env.CallerRole != "" {
		role = env.CallerRole
	}
	if id == "" {
		return nil
	}
	parsed, err := rbac.ParseRole(role)
	if err != nil {
		parsed = rbac.Viewer
	}
	if name == "" {
		name = id
	}
	return &console.Caller{ID: id, Name: name, Role: parsed}
}
