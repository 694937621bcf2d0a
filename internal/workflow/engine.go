// Package workflow implements the execution ledger and the approval state machine.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/params"
)

const auditSource = "workflow-engine"

// ActionSource resolves catalog actions by id.
type ActionSource interface {
	Action(id string) (catalog.Action, bool)
}

// Observer is notified after every status change made by the engine.
type Observer interface {
	Observe(ctx context.Context, exec Execution, from Status)
}

// StartRequest carries caller input for a new run.
type StartRequest struct {
	Params    map[string]any
	Reasoning string
	Context   *Context
}

// StartResult is returned by StartWorkflow.
type StartResult struct {
	RunID            string `json:"runId"`
	Status           Status `json:"status"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// Options tune an Engine.
type Options struct {
	// Logger receives lifecycle logs.
	Logger *slog.Logger
	// Audit receives approval and rejection events.
	Audit audit.Sink
	// Observers are notified of status changes.
	Observers []Observer
	// Synchronous runs progression inside the calling goroutine.
	Synchronous bool
	// Now overrides the clock.
	Now func() time.Time
	// NewID overrides run id allocation.
	NewID func() string
}

// Engine owns the ledger and every status change in it.
type Engine struct {
	store   Store
	actions ActionSource
	runner  Runner
	opts    Options

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine wires an engine; runner defaults to a LocalRunner with DefaultPhases.
func NewEngine(store Store, actions ActionSource, runner Runner, opts Options) *Engine {
	if runner == nil {
		runner = LocalRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		actions: actions,
		runner:  runner,
		opts:    opts,
		baseCtx: ctx,
		stop:    stop,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartWorkflow validates params, applies the risk gate and records a new run.
func (e *Engine) StartWorkflow(ctx context.Context, action catalog.Action, req StartRequest, callerID, callerName string) (StartResult, error) {
	if err := params.Validate(action.RequiredParams, req.Params); err != nil {
		return StartResult{}, err
	}

	now := e.opts.Now()
	gated := action.RequiresApproval()
	exec := Execution{
		ID:                 e.opts.NewID(),
		RunID:              e.opts.NewID(),
		ActionID:           action.ID,
		ActionName:         action.Name,
		RiskLevel:          action.RiskLevel,
		Status:             StatusRunning,
		RequiresApproval:   gated,
		Params:             req.Params,
		Reasoning:          req.Reasoning,
		ExecutedBy:         callerID,
		ExecutedByUsername: callerName,
		StartedAt:          now,
		UpdatedAt:          now,
		Output:             []string{},
		Context:            req.Context,
	}
	exec.logf(now, "Workflow started for action: %s", action.Name)
	exec.logf(now, "Initiated by: %s", callerName)
	if gated {
		exec.Status = StatusPendingApproval
		exec.logf(now, "Approval required: %s risk action", action.RiskLevel)
	}

	if admitter, ok := e.runner.(Admitter); ok {
		if err := admitter.Admit(ctx, exec, action); err != nil {
			return StartResult{}, err
		}
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return StartResult{}, err
	}

	e.opts.Logger.Info("workflow started",
		"run_id", exec.RunID,
		"action", action.ID,
		"risk", action.RiskLevel.String(),
		"status", exec.Status,
		"executed_by", callerID,
	)
	e.notify(ctx, exec, "")

	result := StartResult{RunID: exec.RunID, Status: exec.Status, RequiresApproval: gated}
	if !gated {
		e.launch(exec.RunID, action)
	}
	return result, nil
}

// Status returns the current snapshot of a run or errs.ErrNotFound.
func (e *Engine) Status(ctx context.Context, runID string) (Execution, error) {
	return e.store.Get(ctx, runID)
}

// Executions lists runs matching filter.
func (e *Engine) Executions(ctx context.Context, filter Filter) ([]Execution, error) {
	return e.store.List(ctx, filter)
}

// ApproveWorkflow moves a gated run to approved and starts progression.
func (e *Engine) ApproveWorkflow(ctx context.Context, runID, approverID string) bool {
	exec, ok := e.transition(ctx, runID, StatusPendingApproval, func(x *Execution, now time.Time) {
		x.ApprovedBy = approverID
		x.ApprovedAt = &now
		x.logf(now, "Approved by %s", approverID)
	}, StatusApproved)
	if !ok {
		return false
	}

	e.record(ctx, audit.SeverityWarning, "Execution approved", exec, map[string]any{"approvedBy": approverID})
	action, found := e.actions.Action(exec.ActionID)
	if !found {
		e.fail(ctx, runID, errs.NotFound("action", exec.ActionID))
		return true
	}
	e.launch(runID, action)
	return true
}

// RejectWorkflow moves a gated run to rejected.
func (e *Engine) RejectWorkflow(ctx context.Context, runID, approverID, reason string) bool {
	exec, ok := e.transition(ctx, runID, StatusPendingApproval, func(x *Execution, now time.Time) {
		x.RejectedBy = approverID
		x.RejectionReason = reason
		x.logf(now, "Rejected by %s", approverID)
		if reason != "" {
			x.logf(now, "Reason: %s", reason)
		}
	}, StatusRejected)
	if !ok {
		return false
	}
	e.record(ctx, audit.SeverityWarning, "Execution rejected", exec, map[string]any{"rejectedBy": approverID, "reason": reason})
	return true
}

// CancelWorkflow cancels a pending, approved or running run and stops its progression.
func (e *Engine) CancelWorkflow(ctx context.Context, runID string) bool {
	var from Status
	exec, err := e.store.Update(ctx, runID, func(x *Execution) error {
		if !CanTransition(x.Status, StatusCancelled) {
			return ErrNoChange
		}
		from = x.Status
		now := e.opts.Now()
		x.logf(now, "Execution cancelled")
		return x.moveTo(StatusCancelled, now)
	})
	if err != nil {
		return false
	}

	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if canceler, ok := e.runner.(Canceler); ok {
		if err := canceler.Cancel(ctx, runID); err != nil {
			e.opts.Logger.Warn("runner cancel failed", "run_id", runID, "error", err)
		}
	}

	e.opts.Logger.Info("workflow cancelled", "run_id", runID, "from", from)
	e.notify(ctx, exec, from)
	return true
}

// Wait blocks until every detached progression has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops all progressions and waits for them.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) transition(ctx context.Context, runID string, from Status, mutate func(*Execution, time.Time), to Status) (Execution, bool) {
	exec, err := e.store.Update(ctx, runID, func(x *Execution) error {
		if x.Status != from {
			return ErrNoChange
		}
		now := e.opts.Now()
		mutate(x, now)
		return x.moveTo(to, now)
	})
	if err != nil {
		if !errors.Is(err, ErrNoChange) && !errors.Is(err, errs.ErrNotFound) {
			e.opts.Logger.Error("workflow transition failed", "run_id", runID, "to", to, "error", err)
		}
		return Execution{}, false
	}
	e.opts.Logger.Info("workflow transition", "run_id", runID, "from", from, "to", to)
	e.notify(ctx, exec, from)
	return exec, true
}

func (e *Engine) launch(runID string, action catalog.Action) {
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()

	if e.opts.Synchronous {
		e.progress(ctx, cancel, runID, action)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.progress(ctx, cancel, runID, action)
	}()
}

func (e *Engine) progress(ctx context.Context, cancel context.CancelFunc, runID string, action catalog.Action) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, runID)
		e.mu.Unlock()
		cancel()
	}()
	writeCtx := context.WithoutCancel(ctx)

	var from Status
	exec, err := e.store.Update(writeCtx, runID, func(x *Execution) error {
		from = x.Status
		switch x.Status {
		case StatusRunning:
			return ErrNoChange
		case StatusApproved:
			now := e.opts.Now()
			x.logf(now, "Execution started")
			return x.moveTo(StatusRunning, now)
		default:
			return ErrTransition
		}
	})
	switch {
	case err == nil:
		e.notify(writeCtx, exec, from)
	case errors.Is(err, ErrNoChange):
	default:
		return
	}

	runErr := e.runner.Run(ctx, exec, action, reporter{engine: e, runID: runID})

	from = StatusRunning
	final, err := e.store.Update(writeCtx, runID, func(x *Execution) error {
		if x.Status != StatusRunning {
			return ErrNoChange
		}
		now := e.opts.Now()
		if runErr == nil {
			x.logf(now, "Execution completed successfully")
			return x.moveTo(StatusCompleted, now)
		}
		if ctx.Err() != nil && e.baseCtx.Err() != nil {
			x.logf(now, "Execution interrupted: engine shutting down")
		} else {
			x.logf(now, "Execution failed: %v", runErr)
		}
		return x.moveTo(StatusFailed, now)
	})
	if err != nil {
		return
	}
	e.opts.Logger.Info("workflow finished", "run_id", runID, "status", final.Status)
	e.notify(writeCtx, final, from)
}

func (e *Engine) fail(ctx context.Context, runID string, cause error) {
	exec, err := e.store.Update(ctx, runID, func(x *Execution) error {
		now := e.opts.Now()
		if x.Status == StatusApproved {
			if err := x.moveTo(StatusRunning, now); err != nil {
				return err
			}
		}
		x.logf(now, "Execution failed: %v", cause)
		return x.moveTo(StatusFailed, now)
	})
	if err == nil {
		e.notify(ctx, exec, StatusApproved)
	}
}

func (e *Engine) notify(ctx context.Context, exec Execution, from Status) {
	for _, o := range e.opts.Observers {
		o.Observe(ctx, exec, from)
	}
}

func (e *Engine) record(ctx context.Context, severity audit.Severity, message string, exec Execution, extra map[string]any) {
	if e.opts.Audit == nil {
		return
	}
	payload := map[string]any{
		"runId":    exec.RunID,
		"actionId": exec.ActionID,
		"risk":     exec.RiskLevel.String(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := e.opts.Audit.Record(ctx, audit.Event{
		Timestamp: e.opts.Now(),
		Source:    auditSource,
		Severity:  severity,
		Message:   message,
		Payload:   payload,
	})
	if err != nil {
		e.opts.Logger.Error("audit record failed", "run_id", exec.RunID, "error", err)
	}
}

type reporter struct {
	engine *Engine
	runID  string
}

func (r reporter) Log(ctx context.Context, line string) bool {
	if ctx.Err() != nil {
		return false
	}
	_, err := r.engine.store.Update(context.WithoutCancel(ctx), r.runID, func(x *Execution) error {
		if x.Status != StatusRunning {
			return ErrNoChange
		}
		x.logf(r.engine.opts.Now(), "%s", line)
		return nil
	})
	return err == nil
}
