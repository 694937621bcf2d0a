// Package executor performs the execute phase of an action.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
)

// Executor kinds accepted in catalog entries.
const (
	KindSimulated = "simulated"
	KindShell     = "shell"
	KindHTTP      = "http"
)

// Request contains the inputs of one phase.
type Request struct {
	RunID      string
	ActionID   string
	ActionName string
	Phase      string
	Params     map[string]any
}

// Executor performs an action phase and returns a message for the run output.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// Simulated completes every phase without side effects.
type Simulated struct{}

// Execute implements Executor.
func (Simulated) Execute(ctx context.Context, _ Request) (string, error) {
	return "", ctx.Err()
}

// Bounded wraps an executor with a deadline.
type Bounded struct {
	Inner   Executor
	Timeout time.Duration
}

// Execute runs the inner executor and reports a timeout distinctly.
func (b Bounded) Execute(ctx context.Context, req Request) (string, error) {
	if b.Inner == nil {
		return "", errors.New("bounded executor has no inner executor")
	}
	if b.Timeout <= 0 {
		return b.Inner.Execute(ctx, req)
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()
	output, err := b.Inner.Execute(ctxTimeout, req)
	if errors.Is(ctxTimeout.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return output, fmt.Errorf("phase timed out after %s", b.Timeout)
	}
	return output, err
}

// Registry builds executors from catalog entries.
type Registry struct {
	// Pending tracks async HTTP executions; required for async executors.
	Pending *PendingStore
	// WebhookURL is the callback URL handed to async executors.
	WebhookURL string
}

// For returns the executor declared by action.
func (r Registry) For(action catalog.Action) (Executor, error) {
	spec := action.Executor
	var inner Executor
	switch spec.Type {
	case "", KindSimulated:
		return Simulated{}, nil
	case KindShell:
		if spec.Command == "" {
			return nil, fmt.Errorf("action %s: shell executor requires a command", action.ID)
		}
		inner = Shell{Command: spec.Command, Args: spec.Args, Env: spec.Env}
	case KindHTTP:
		if spec.Async && r.Pending == nil {
			return nil, fmt.Errorf("action %s: async executor requires a webhook store", action.ID)
		}
		inner = HTTP{
			URL:        spec.URL,
			Method:     spec.Method,
			Headers:    spec.Headers,
			Async:      spec.Async,
			WebhookURL: r.WebhookURL,
			Pending:    r.Pending,
		}
	default:
		return nil, fmt.Errorf("action %s: unknown executor type %q", action.ID, spec.Type)
	}

	timeout := time.Duration(0)
	if spec.Timeout != "" {
		parsed, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("action %s: invalid executor timeout: %w", action.ID, err)
		}
		timeout = parsed
	}
	return Bounded{Inner: inner, Timeout: timeout}, nil
}
