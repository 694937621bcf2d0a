package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/runtime/executor"
)

// ErrStopped is returned by runners once the run left the running state.
var ErrStopped = errors.New("run is no longer running")

// DefaultPhases is the phase sequence used when none is configured.
var DefaultPhases = []string{
	"Validating inputs",
	"Connecting to target",
	"Executing action",
	"Verifying results",
	"Cleaning up",
}

// Reporter appends progress lines to a run.
type Reporter interface {
	// Log appends a timestamped line and reports false once the run stopped running.
	Log(ctx context.Context, line string) bool
}

// Runner drives a running execution to completion.
type Runner interface {
	// Run blocks until the run finishes; a nil error completes it, anything else fails it.
	Run(ctx context.Context, exec Execution, action catalog.Action, report Reporter) error
}

// Admitter is implemented by runners that must register every new run, gated or not.
type Admitter interface {
	Admit(ctx context.Context, exec Execution, action catalog.Action) error
}

// Canceler is implemented by runners that hold state outside the process.
type Canceler interface {
	Cancel(ctx context.Context, runID string) error
}

// ExecutorResolver picks the executor of an action.
type ExecutorResolver interface {
	For(action catalog.Action) (executor.Executor, error)
}

// LocalRunner walks a fixed list of phases in process.
type LocalRunner struct {
	// Phases are the ordered phase labels; DefaultPhases when empty.
	Phases []string
	// Delay is the pause between phases.
	Delay time.Duration
	// Primary is the 1-based position of the phase handed to the action executor;
	// zero picks the middle phase.
	Primary int
	// Executors resolves the action executor; nil simulates every action.
	Executors ExecutorResolver
}

// Run implements Runner.
func (r LocalRunner) Run(ctx context.Context, exec Execution, action catalog.Action, report Reporter) error {
	phases := r.Phases
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	primary := PrimaryPhase(len(phases), r.Primary)

	var run executor.Executor = executor.Simulated{}
	if r.Executors != nil {
		resolved, err := r.Executors.For(action)
		if err != nil {
			return err
		}
		run = resolved
	}

	for i, phase := range phases {
		if i > 0 && r.Delay > 0 {
			timer := time.NewTimer(r.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !report.Log(ctx, fmt.Sprintf("Phase %d/%d: %s", i+1, len(phases), phase)) {
			return ErrStopped
		}
		if i != primary {
			continue
		}
		output, err := run.Execute(ctx, executor.Request{
			RunID:      exec.RunID,
			ActionID:   action.ID,
			ActionName: action.Name,
			Phase:      phase,
			Params:     exec.Params,
		})
		if output != "" {
			report.Log(ctx, output)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", phase, err)
		}
	}
	return nil
}

// PrimaryPhase returns the 0-based index of the executor phase for a 1-based
// configured position; out of range positions pick the middle phase.
func PrimaryPhase(n, position int) int {
	if position < 1 || position > n {
		return n / 2
	}
	return position - 1
}
