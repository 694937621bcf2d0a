// Package protocol holds the JSON payloads exchanged with external executors and approval channels.
package protocol

import "time"

// Executor result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ExecutorAction describes the action an external executor is asked to perform.
type ExecutorAction struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExecutorCallback tells an async executor where to post its result.
type ExecutorCallback struct {
	URL string `json:"url"`
}

// ExecutorRequest is posted to HTTP executors.
type ExecutorRequest struct {
	RunID      string            `json:"run_id"`
	Action     ExecutorAction    `json:"action"`
	Phase      string            `json:"phase"`
	Params     map[string]any    `json:"params"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Callback   *ExecutorCallback `json:"callback,omitempty"`
}

// ExecutorResponse is the synchronous reply of an HTTP executor.
type ExecutorResponse struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// ExecutorResult is posted back by async executors.
type ExecutorResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
}

// ApprovalSignal is the decision delivered to the engine or to a remote durable run.
type ApprovalSignal struct {
	Decision      string    `json:"decision"`
	ApproverID    string    `json:"approverId"`
	ApproverName  string    `json:"approverName,omitempty"`
	ApproverRoles []string  `json:"approverRoles"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// ApprovalCallback is posted by chat integrations when a user clicks approve or reject.
type ApprovalCallback struct {
	RunID    string `json:"run_id"`
	Decision string `json:"decision"`
	UserID   string `json:"user_id"`
	Reason   string `json:"reason,omitempty"`
	Source   string `json:"source,omitempty"`
}
