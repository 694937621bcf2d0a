package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"

	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

// Config describes how runs are started remotely.
type Config struct {
	TaskQueue        string
	WorkflowType     string
	ExecutionTimeout time.Duration
	Phases           []string
	Primary          int
	PhaseDelay       time.Duration
	PhaseTimeout     time.Duration
}

// Client wraps the Temporal SDK client with run-id keyed operations.
type Client struct {
	temporal client.Client
	cfg      Config
}

// Dial connects to a Temporal frontend.
func Dial(ctx context.Context, hostPort, namespace string, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c, err := client.DialContext(ctx, client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    sdklog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", hostPort, err)
	}
	return c, nil
}

// NewClient wraps c.
func NewClient(c client.Client, cfg Config) *Client {
	if cfg.WorkflowType == "" {
		cfg.WorkflowType = DefaultWorkflowType
	}
	return &Client{temporal: c, cfg: cfg}
}

// Start launches the remote workflow with the run id as workflow id.
func (c *Client) Start(ctx context.Context, exec workflow.Execution, action catalog.Action) error {
	opts := client.StartWorkflowOptions{
		ID:                                       exec.RunID,
		TaskQueue:                                c.cfg.TaskQueue,
		WorkflowExecutionTimeout:                 c.cfg.ExecutionTimeout,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo: map[string]any{
			"action_id":   action.ID,
			"executed_by": exec.ExecutedBy,
			"risk":        action.RiskLevel.String(),
		},
	}
	_, err := c.temporal.ExecuteWorkflow(ctx, opts, c.cfg.WorkflowType, Input{
		RunID:            exec.RunID,
		ActionID:         action.ID,
		ActionName:       action.Name,
		RequiresApproval: exec.RequiresApproval,
		Params:           exec.Params,
		Phases:           c.cfg.Phases,
		Primary:          c.cfg.Primary,
		PhaseDelay:       c.cfg.PhaseDelay,
		PhaseTimeout:     c.cfg.PhaseTimeout,
	})
	if err != nil {
		return mapError("start", exec.RunID, err)
	}
	return nil
}

// Describe maps the remote execution status onto ledger statuses.
func (c *Client) Describe(ctx context.Context, runID string) (workflow.Status, error) {
	desc, err := c.temporal.DescribeWorkflowExecution(ctx, runID, "")
	if err != nil {
		return "", mapError("describe", runID, err)
	}
	if desc == nil || desc.WorkflowExecutionInfo == nil {
		return "", errs.NotFound("run", runID)
	}

	switch desc.WorkflowExecutionInfo.Status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
		state, err := c.approvalState(ctx, runID)
		if err != nil {
			return "", err
		}
		if state.Awaiting {
			return workflow.StatusPendingApproval, nil
		}
		return workflow.StatusRunning, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		state, err := c.approvalState(ctx, runID)
		if err == nil && state.Decision == protocol.DecisionReject {
			return workflow.StatusRejected, nil
		}
		return workflow.StatusCompleted, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return workflow.StatusCancelled, nil
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return workflow.StatusFailed, nil
	default:
		return "", fmt.Errorf("describe %s: unexpected status %s", runID, desc.WorkflowExecutionInfo.Status)
	}
}

// SignalApproval delivers a decision to a waiting run.
func (c *Client) SignalApproval(ctx context.Context, runID string, signal protocol.ApprovalSignal) error {
	if err := c.temporal.SignalWorkflow(ctx, runID, "", SignalApproval, signal); err != nil {
		return mapError("signal", runID, err)
	}
	return nil
}

// Cancel requests cancellation of the remote run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	if err := c.temporal.CancelWorkflow(ctx, runID, ""); err != nil {
		return mapError("cancel", runID, err)
	}
	return nil
}

// Progress returns the output lines the remote run has produced so far.
func (c *Client) Progress(ctx context.Context, runID string) ([]string, error) {
	value, err := c.temporal.QueryWorkflow(ctx, runID, "", QueryProgress)
	if err != nil {
		return nil, mapError("query progress", runID, err)
	}
	var lines []string
	if err := value.Get(&lines); err != nil {
		return nil, fmt.Errorf("decode progress for %s: %w", runID, err)
	}
	return lines, nil
}

// Result blocks until the remote run finishes.
func (c *Client) Result(ctx context.Context, runID string) (Result, error) {
	var res Result
	err := c.temporal.GetWorkflow(ctx, runID, "").Get(ctx, &res)
	return res, err
}

func (c *Client) approvalState(ctx context.Context, runID string) (ApprovalState, error) {
	value, err := c.temporal.QueryWorkflow(ctx, runID, "", QueryApprovalState)
	if err != nil {
		return ApprovalState{}, mapError("query approval state", runID, err)
	}
	var state ApprovalState
	if err := value.Get(&state); err != nil {
		return ApprovalState{}, fmt.Errorf("decode approval state for %s: %w", runID, err)
	}
	return state, nil
}

func mapError(op, runID string, err error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return errs.NotFound("run", runID)
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return fmt.Errorf("%s %s: %w", op, runID, errs.ErrDuplicateRun)
	}
	return fmt.Errorf("%s %s: %w", op, runID, err)
}
