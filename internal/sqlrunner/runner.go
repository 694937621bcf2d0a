// Package sqlrunner executes catalog query templates under role checks and audits every run.
package sqlrunner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
	"github.com/Kristopherlb/harmony-sub001/internal/security"
)

const auditSource = "sql-runner"

// Request names a template and its parameters.
type Request struct {
	TemplateID string         `json:"templateId"`
	Params     map[string]any `json:"params"`
}

// ResultSet is what a QueryExecutor returns.
type ResultSet struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

// Result is returned to the caller of Execute.
type Result struct {
	ID                 string           `json:"id"`
	TemplateID         string           `json:"templateId"`
	TemplateName       string           `json:"templateName"`
	ExecutedBy         string           `json:"executedBy"`
	ExecutedByUsername string           `json:"executedByUsername"`
	ExecutedAt         time.Time        `json:"executedAt"`
	RowCount           int              `json:"rowCount"`
	Columns            []string         `json:"columns"`
	Rows               []map[string]any `json:"rows"`
	ExecutionTimeMs    int64            `json:"executionTimeMs"`
}

// QueryExecutor runs a fixed template with validated parameters.
type QueryExecutor interface {
	Execute(ctx context.Context, tmpl catalog.QueryTemplate, values map[string]any) (ResultSet, error)
}

// TemplateSource resolves templates by id.
type TemplateSource interface {
	Template(id string) (catalog.QueryTemplate, bool)
	TemplatesForRole(role rbac.Role) []catalog.QueryTemplate
}

// Observer receives the outcome of every Execute call.
type Observer interface {
	ObserveQuery(templateID string, elapsed time.Duration, err error)
}

// Options tune a Runner.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

// Runner validates, authorizes, executes and audits query templates.
type Runner struct {
	templates TemplateSource
	executor  QueryExecutor
	audit     audit.Sink
	opts      Options
}

// New wires a Runner.
func New(templates TemplateSource, executor QueryExecutor, sink audit.Sink, opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{templates: templates, executor: executor, audit: sink, opts: opts}
}

// Execute looks up, authorizes, validates, runs and audits a template.
func (r *Runner) Execute(ctx context.Context, req Request, callerID, callerName string, role rbac.Role) (res Result, err error) {
	started := r.opts.Now()
	defer func() {
		if r.opts.Observer != nil {
			r.opts.Observer.ObserveQuery(req.TemplateID, r.opts.Now().Sub(started), err)
		}
	}()

	tmpl, ok := r.templates.Template(req.TemplateID)
	if !ok {
		return Result{}, errs.NotFound("template", req.TemplateID)
	}
	if !tmpl.AllowsRole(role) {
		r.opts.Logger.Warn("query denied", "template", tmpl.ID, "caller", callerID, "role", role.String())
		return Result{}, errs.Insufficient()
	}

	begin := r.opts.Now()
	if err := params.Validate(tmpl.Params, req.Params); err != nil {
		return Result{}, err
	}
	if err := params.Guard(req.Params); err != nil {
		r.opts.Logger.Warn("query rejected", "template", tmpl.ID, "caller", callerID, "error", err)
		return Result{}, err
	}
	set, err := r.executor.Execute(ctx, tmpl, req.Params)
	if err != nil {
		return Result{}, fmt.Errorf("execute template %s: %w", tmpl.ID, err)
	}
	elapsed := r.opts.Now().Sub(begin)

	if set.Columns == nil {
		set.Columns = []string{}
	}
	if set.Rows == nil {
		set.Rows = []map[string]any{}
	}
	res = Result{
		ID:                 r.opts.NewID(),
		TemplateID:         tmpl.ID,
		TemplateName:       tmpl.Name,
		ExecutedBy:         callerID,
		ExecutedByUsername: callerName,
		ExecutedAt:         begin,
		RowCount:           set.RowCount,
		Columns:            set.Columns,
		Rows:               set.Rows,
		ExecutionTimeMs:    elapsed.Milliseconds(),
	}

	event := audit.Event{
		Timestamp: res.ExecutedAt,
		Source:    auditSource,
		Severity:  audit.SeverityInfo,
		Message:   fmt.Sprintf("Query executed: %s", tmpl.Name),
		Payload: map[string]any{
			"queryId":            res.ID,
			"templateId":         tmpl.ID,
			"executedBy":         callerID,
			"executedByUsername": callerName,
			"role":               role.String(),
			"params":             security.MaskEmails(security.RedactArguments(req.Params)),
			"rowCount":           res.RowCount,
			"executionTimeMs":    res.ExecutionTimeMs,
		},
	}
	if r.audit != nil {
		if err := r.audit.Record(ctx, event); err != nil {
			return Result{}, fmt.Errorf("audit query %s: %w", tmpl.ID, err)
		}
	}
	r.opts.Logger.Info("query executed", "template", tmpl.ID, "caller", callerID, "rows", res.RowCount, "ms", res.ExecutionTimeMs)
	return res, nil
}

// Templates returns the templates role may run.
func (r *Runner) Templates(role rbac.Role) []catalog.QueryTemplate {
	return r.templates.TemplatesForRole(role)
}
