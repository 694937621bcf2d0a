package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/approval"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

const defaultPollInterval = 2 * time.Second

// Runner implements workflow.Runner on top of remote runs.
type Runner struct {
	Client       *Client
	PollInterval time.Duration
}

// Admit starts the remote run as soon as the ledger entry is created.
func (r *Runner) Admit(ctx context.Context, exec workflow.Execution, action catalog.Action) error {
	return r.Client.Start(ctx, exec, action)
}

// Cancel implements workflow.Canceler.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	return r.Client.Cancel(ctx, runID)
}

// Run mirrors remote output into the ledger until the remote run finishes.
func (r *Runner) Run(ctx context.Context, exec workflow.Execution, _ catalog.Action, report workflow.Reporter) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Client.Result(ctx, exec.RunID)
		done <- outcome{res: res, err: err}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seen := 0
	mirror := func(lines []string) bool {
		for ; seen < len(lines); seen++ {
			if !report.Log(ctx, lines[seen]) {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lines, err := r.Client.Progress(ctx, exec.RunID)
			if err == nil && !mirror(lines) {
				return workflow.ErrStopped
			}
		case out := <-done:
			lines := out.res.Output
			if out.err != nil && len(lines) == 0 {
				lines, _ = r.Client.Progress(context.WithoutCancel(ctx), exec.RunID)
			}
			if !mirror(lines) {
				return workflow.ErrStopped
			}
			if out.err != nil {
				return out.err
			}
			if out.res.Decision == protocol.DecisionReject {
				return errors.New("remote run was rejected")
			}
			return nil
		}
	}
}

// SignalDeliverer signals the remote run and then settles the local ledger.
type SignalDeliverer struct {
	Client *Client
	Engine approval.Engine
}

// Deliver implements approval.Deliverer.
func (d SignalDeliverer) Deliver(ctx context.Context, runID string, signal protocol.ApprovalSignal) (bool, error) {
	status, err := d.Client.Describe(ctx, runID)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if status != workflow.StatusPendingApproval {
		return false, nil
	}
	if err := d.Client.SignalApproval(ctx, runID, signal); err != nil {
		return false, err
	}
	delivered, err := approval.LocalDeliverer{Engine: d.Engine}.Deliver(ctx, runID, signal)
	if err != nil {
		return false, fmt.Errorf("settle %s locally: %w", runID, err)
	}
	return delivered, nil
}
