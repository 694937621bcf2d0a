// Package console is the operation surface shared by every transport.
package console

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/approval"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/idempotency"
	"github.com/Kristopherlb/harmony-sub001/internal/limits"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

const signalSource = "console"

// Caller is the authenticated user behind a request.
type Caller struct {
	ID   string
	Name string
	Role rbac.Role
}

// ExecuteRequest asks for a new run of a catalog action.
type ExecuteRequest struct {
	ActionID       string            `json:"actionId"`
	Params         map[string]any    `json:"params"`
	Reasoning      string            `json:"reasoning,omitempty"`
	Context        *workflow.Context `json:"context,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
}

// ActionView is a catalog action annotated for one role.
type ActionView struct {
	catalog.Action
	CanExecute       bool `json:"canExecute"`
	RequiresApproval bool `json:"requiresApproval"`
}

// Catalog resolves actions.
type Catalog interface {
	Action(id string) (catalog.Action, bool)
	Actions() []catalog.Action
}

// Engine is the workflow engine surface used here.
type Engine interface {
	StartWorkflow(ctx context.Context, action catalog.Action, req workflow.StartRequest, callerID, callerName string) (workflow.StartResult, error)
	Status(ctx context.Context, runID string) (workflow.Execution, error)
	Executions(ctx context.Context, filter workflow.Filter) ([]workflow.Execution, error)
	CancelWorkflow(ctx context.Context, runID string) bool
}

// QueryRunner runs audited SQL templates.
type QueryRunner interface {
	Execute(ctx context.Context, req sqlrunner.Request, callerID, callerName string, role rbac.Role) (sqlrunner.Result, error)
	Templates(role rbac.Role) []catalog.QueryTemplate
}

// SignalSender delivers authorized approval signals; *approval.Bridge implements it.
type SignalSender interface {
	Deliver(ctx context.Context, runID string, signal protocol.ApprovalSignal) (bool, error)
}

// RejectionObserver counts refused requests.
type RejectionObserver interface {
	Rejected(operation string, err error)
}

// Options tune a Service.
type Options struct {
	Logger      *slog.Logger
	Limiter     *limits.Limiter
	Idempotency *idempotency.Cache[workflow.StartResult]
	Rejections  RejectionObserver
	Now         func() time.Time
}

// Service authorizes requests and routes them to the engine, the approval bridge and the SQL runner.
type Service struct {
	catalog   Catalog
	perms     *rbac.Model
	engine    Engine
	queries   QueryRunner
	approvals SignalSender
	opts      Options
}

// New wires a Service.
func New(cat Catalog, perms *rbac.Model, engine Engine, queries QueryRunner, approvals SignalSender, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{catalog: cat, perms: perms, engine: engine, queries: queries, approvals: approvals, opts: opts}
}

// Execute starts a run after the catalog, permission and rate checks.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest, caller Caller) (res workflow.StartResult, err error) {
	defer s.observe("execute", &err)

	action, ok := s.catalog.Action(req.ActionID)
	if !ok {
		return workflow.StartResult{}, errs.NotFound("action", req.ActionID)
	}
	if !s.perms.CanExecuteAction(caller.Role, action.Gate()) {
		return workflow.StartResult{}, errs.Insufficient()
	}
	if err := s.opts.Limiter.Allow(limits.OpExecute, caller.ID); err != nil {
		return workflow.StartResult{}, err
	}

	start := func() (workflow.StartResult, error) {
		return s.engine.StartWorkflow(ctx, action, workflow.StartRequest{
			Params:    req.Params,
			Reasoning: req.Reasoning,
			Context:   req.Context,
		}, caller.ID, caller.Name)
	}
	key := idempotency.Key(caller.ID, action.ID, req.IdempotencyKey)
	if key == "" || s.opts.Idempotency == nil {
		return start()
	}
	fingerprint, err := idempotency.Fingerprint(req.Params)
	if err != nil {
		return workflow.StartResult{}, &errs.ValidationError{Field: "params", Rule: "json", Message: "params must be JSON values"}
	}
	res, replayed, err := s.opts.Idempotency.Do(key, fingerprint, start)
	if errors.Is(err, idempotency.ErrMismatch) {
		return workflow.StartResult{}, &errs.ValidationError{Field: "idempotencyKey", Rule: "idempotency", Message: err.Error()}
	}
	if replayed {
		s.opts.Logger.Info("execute replayed", "run_id", res.RunID, "caller", caller.ID)
	}
	return res, err
}

// Status returns one run.
func (s *Service) Status(ctx context.Context, runID string) (workflow.Execution, error) {
	return s.engine.Status(ctx, runID)
}

// Executions lists runs newest first.
func (s *Service) Executions(ctx context.Context, filter workflow.Filter) ([]workflow.Execution, error) {
	return s.engine.Executions(ctx, filter)
}

// Approve approves a gated run as caller.
func (s *Service) Approve(ctx context.Context, runID string, caller Caller) (bool, error) {
	return s.decide(ctx, runID, caller, true, "")
}

// Reject rejects a gated run as caller.
func (s *Service) Reject(ctx context.Context, runID string, caller Caller, reason string) (bool, error) {
	return s.decide(ctx, runID, caller, false, reason)
}

// Cancel cancels a non-terminal run.
func (s *Service) Cancel(ctx context.Context, runID string) bool {
	return s.engine.CancelWorkflow(ctx, runID)
}

// Query runs an audited SQL template.
func (s *Service) Query(ctx context.Context, req sqlrunner.Request, caller Caller) (res sqlrunner.Result, err error) {
	if err := s.opts.Limiter.Allow(limits.OpQuery, caller.ID); err != nil {
		s.observe("query", &err)
		return sqlrunner.Result{}, err
	}
	return s.queries.Execute(ctx, req, caller.ID, caller.Name, caller.Role)
}

// Templates lists the templates role may run.
func (s *Service) Templates(role rbac.Role) []catalog.QueryTemplate {
	return s.queries.Templates(role)
}

// Actions lists every catalog action annotated for role.
func (s *Service) Actions(role rbac.Role) []ActionView {
	actions := s.catalog.Actions()
	out := make([]ActionView, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionView{
			Action:           a,
			CanExecute:       s.perms.CanExecuteAction(role, a.Gate()),
			RequiresApproval: a.RequiresApproval(),
		})
	}
	return out
}

func (s *Service) decide(ctx context.Context, runID string, caller Caller, approve bool, reason string) (ok bool, err error) {
	op := "reject"
	if approve {
		op = "approve"
	}
	defer s.observe(op, &err)

	if !s.perms.CanApprove(caller.Role) {
		return false, errs.Insufficient()
	}
	signal := approval.NewSignal(approve, approval.Identity{
		ID:    caller.ID,
		Name:  caller.Name,
		Roles: []string{caller.Role.String()},
	}, reason, signalSource, s.opts.Now())
	return s.approvals.Deliver(ctx, runID, signal)
}

func (s *Service) observe(op string, err *error) {
	if *err == nil || s.opts.Rejections == nil {
		return
	}
	s.opts.Rejections.Rejected(op, *err)
}
