// Package durable hosts action runs on Temporal and mirrors them into the local ledger.
package durable

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/runtime/executor"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

// Names shared by the console and the worker.
const (
	DefaultWorkflowType = "ActionExecutionWorkflow"
	SignalApproval      = "approval"
	QueryApprovalState  = "approval-state"
	QueryProgress       = "progress"
	ActivityRunPhase    = "RunPhase"
)

const defaultPhaseTimeout = 5 * time.Minute

// Input starts one remote run.
type Input struct {
	RunID            string         `json:"runId"`
	ActionID         string         `json:"actionId"`
	ActionName       string         `json:"actionName"`
	RequiresApproval bool           `json:"requiresApproval"`
	Params           map[string]any `json:"params"`
	Phases           []string       `json:"phases"`
	Primary          int            `json:"primary"`
	PhaseDelay       time.Duration  `json:"phaseDelay"`
	PhaseTimeout     time.Duration  `json:"phaseTimeout"`
}

// ApprovalState answers the approval-state query.
type ApprovalState struct {
	Awaiting   bool   `json:"awaiting"`
	Decision   string `json:"decision,omitempty"`
	ApproverID string `json:"approverId,omitempty"`
}

// Result is returned by a finished remote run.
type Result struct {
	Decision string   `json:"decision,omitempty"`
	Output   []string `json:"output"`
}

// PhaseRequest is the activity input for the executor phase.
type PhaseRequest struct {
	RunID    string         `json:"runId"`
	ActionID string         `json:"actionId"`
	Phase    string         `json:"phase"`
	Params   map[string]any `json:"params"`
}

// ActionExecutionWorkflow waits for an approval signal when gated and then walks the phases.
func ActionExecutionWorkflow(ctx sdkworkflow.Context, in Input) (Result, error) {
	state := ApprovalState{Awaiting: in.RequiresApproval}
	output := []string{}
	if err := sdkworkflow.SetQueryHandler(ctx, QueryApprovalState, func() (ApprovalState, error) {
		return state, nil
	}); err != nil {
		return Result{}, err
	}
	if err := sdkworkflow.SetQueryHandler(ctx, QueryProgress, func() ([]string, error) {
		return output, nil
	}); err != nil {
		return Result{}, err
	}

	if in.RequiresApproval {
		var signal protocol.ApprovalSignal
		cancelled := false
		selector := sdkworkflow.NewSelector(ctx)
		selector.AddReceive(sdkworkflow.GetSignalChannel(ctx, SignalApproval), func(c sdkworkflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &signal)
		})
		selector.AddReceive(ctx.Done(), func(sdkworkflow.ReceiveChannel, bool) {
			cancelled = true
		})
		selector.Select(ctx)
		if cancelled {
			return Result{Output: output}, ctx.Err()
		}
		state.Awaiting = false
		state.Decision = signal.Decision
		state.ApproverID = signal.ApproverID
		if signal.Decision != protocol.DecisionApprove {
			sdkworkflow.GetLogger(ctx).Info("run rejected", "run_id", in.RunID, "approver", signal.ApproverID)
			return Result{Decision: signal.Decision, Output: output}, nil
		}
	}

	phases := in.Phases
	if len(phases) == 0 {
		phases = workflow.DefaultPhases
	}
	primary := workflow.PrimaryPhase(len(phases), in.Primary)
	timeout := in.PhaseTimeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	actx := sdkworkflow.WithActivityOptions(ctx, sdkworkflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	for i, phase := range phases {
		if i > 0 && in.PhaseDelay > 0 {
			if err := sdkworkflow.Sleep(ctx, in.PhaseDelay); err != nil {
				return Result{Decision: state.Decision, Output: output}, err
			}
		}
		output = append(output, fmt.Sprintf("Phase %d/%d: %s", i+1, len(phases), phase))
		if i != primary {
			continue
		}
		var message string
		err := sdkworkflow.ExecuteActivity(actx, ActivityRunPhase, PhaseRequest{
			RunID:    in.RunID,
			ActionID: in.ActionID,
			Phase:    phase,
			Params:   in.Params,
		}).Get(actx, &message)
		if message != "" {
			output = append(output, message)
		}
		if err != nil {
			return Result{Decision: state.Decision, Output: output}, fmt.Errorf("%s: %w", phase, err)
		}
	}
	return Result{Decision: state.Decision, Output: output}, nil
}

// Activities run the executor phase inside the worker.
type Activities struct {
	Actions   workflow.ActionSource
	Executors workflow.ExecutorResolver
}

// RunPhase resolves the action executor and runs it.
func (a *Activities) RunPhase(ctx context.Context, req PhaseRequest) (string, error) {
	action, ok := a.Actions.Action(req.ActionID)
	if !ok {
		return "", temporal.NewNonRetryableApplicationError("unknown action "+req.ActionID, "NotFound", nil)
	}
	var run executor.Executor = executor.Simulated{}
	if a.Executors != nil {
		resolved, err := a.Executors.For(action)
		if err != nil {
			return "", temporal.NewNonRetryableApplicationError(err.Error(), "Executor", err)
		}
		run = resolved
	}
	activity.GetLogger(ctx).Info("executing phase", "run_id", req.RunID, "action", req.ActionID, "phase", req.Phase)
	// The executor message travels back on errors too.
	message, err := run.Execute(ctx, executor.Request{
		RunID:      req.RunID,
		ActionID:   action.ID,
		ActionName: action.Name,
		Phase:      req.Phase,
		Params:     req.Params,
	})
	if err != nil && message != "" {
		return "", temporal.NewNonRetryableApplicationError(fmt.Sprintf("%s: %v", message, err), "Executor", err)
	}
	return message, err
}

// NewWorker registers the workflow and its activity on taskQueue.
func NewWorker(c client.Client, taskQueue, workflowType string, acts *Activities) worker.Worker {
	if workflowType == "" {
		workflowType = DefaultWorkflowType
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(ActionExecutionWorkflow, sdkworkflow.RegisterOptions{Name: workflowType})
	w.RegisterActivityWithOptions(acts.RunPhase, activity.RegisterOptions{Name: ActivityRunPhase})
	return w
}
