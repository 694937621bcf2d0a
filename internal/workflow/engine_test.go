package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/params"
	"github.com/Kristopherlb/harmony-sub001/internal/runtime/executor"
)

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return c
}

func validParams(specs []params.Spec) map[string]any {
	out := map[string]any{}
	for _, s := range specs {
		switch s.Type {
		case params.TypeNumber:
			out[s.Name] = 3
		case params.TypeBoolean:
			out[s.Name] = true
		case params.TypeEmail:
			out[s.Name] = "alice@company.com"
		case params.TypeSelect:
			out[s.Name] = s.Options[0]
		default:
			out[s.Name] = "value"
		}
	}
	return out
}

type recordingObserver struct {
	mu    sync.Mutex
	moves []string
}

func (o *recordingObserver) Observe(_ context.Context, exec Execution, from Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moves = append(o.moves, fmt.Sprintf("%s->%s", from, exec.Status))
}

func newSyncEngine(t *testing.T, runner Runner, opts Options) (*Engine, *catalog.Catalog) {
	t.Helper()
	c := defaultCatalog(t)
	opts.Synchronous = true
	return NewEngine(NewMemoryStore(), c, runner, opts), c
}

func TestRiskGateForEveryAction(t *testing.T) {
	engine, c := newSyncEngine(t, nil, Options{})
	ctx := context.Background()

	for _, action := range c.Actions() {
		res, err := engine.StartWorkflow(ctx, action, StartRequest{Params: validParams(action.RequiredParams)}, "u1", "User One")
		require.NoError(t, err, action.ID)
		if action.RiskLevel.RequiresApproval() {
			assert.Equal(t, StatusPendingApproval, res.Status, action.ID)
			assert.True(t, res.RequiresApproval, action.ID)
		} else {
			assert.Equal(t, StatusRunning, res.Status, action.ID)
			assert.False(t, res.RequiresApproval, action.ID)
		}
	}
}

func TestScenarioCriticalApprovalCompletes(t *testing.T) {
	rec := &audit.Recorder{}
	obs := &recordingObserver{}
	engine, c := newSyncEngine(t, nil, Options{Audit: rec, Observers: []Observer{obs}})
	ctx := context.Background()

	drop, _ := c.Action("drop-database")
	res, err := engine.StartWorkflow(ctx, drop, StartRequest{Params: map[string]any{
		"databaseName": "legacy", "confirmation": "legacy",
	}}, "admin-1", "Admin One")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.True(t, res.RequiresApproval)

	pending, err := engine.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Empty(t, pending.ApprovedBy)
	assert.Nil(t, pending.ApprovedAt)
	assert.Contains(t, pending.Output[len(pending.Output)-1], "Approval required: critical risk action")

	assert.True(t, engine.ApproveWorkflow(ctx, res.RunID, "admin-1"))
	engine.Wait()

	done, err := engine.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "admin-1", done.ApprovedBy)
	require.NotNil(t, done.ApprovedAt)
	require.NotNil(t, done.CompletedAt)

	assert.Equal(t, []string{
		"->pending_approval",
		"pending_approval->approved",
		"approved->running",
		"running->completed",
	}, obs.moves)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Execution approved", events[0].Message)
	assert.Equal(t, "admin-1", events[0].Payload["approvedBy"])
}

func TestScenarioLowRiskRunsToCompletion(t *testing.T) {
	engine, c := newSyncEngine(t, nil, Options{})
	ctx := context.Background()

	provision, _ := c.Action("provision-environment")
	res, err := engine.StartWorkflow(ctx, provision, StartRequest{Params: map[string]any{
		"environmentName": "preview-42", "region": "us-east-1",
	}}, "dev-1", "Dev One")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
	assert.False(t, res.RequiresApproval)

	exec, err := engine.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)

	var phases []string
	for _, line := range exec.Output {
		if strings.Contains(line, "Phase ") {
			phases = append(phases, line)
		}
	}
	require.Len(t, phases, len(DefaultPhases))
	for i, p := range DefaultPhases {
		assert.Contains(t, phases[i], fmt.Sprintf("Phase %d/%d: %s", i+1, len(DefaultPhases), p))
	}
	assert.Contains(t, exec.Output[len(exec.Output)-1], "Execution completed successfully")
}

func TestScenarioMissingParamCreatesNoRun(t *testing.T) {
	store := NewMemoryStore()
	c := defaultCatalog(t)
	engine := NewEngine(store, c, nil, Options{Synchronous: true})
	ctx := context.Background()

	provision, _ := c.Action("provision-environment")
	_, err := engine.StartWorkflow(ctx, provision, StartRequest{Params: map[string]any{"environmentName": "preview-42"}}, "dev-1", "Dev One")
	require.Error(t, err)
	assert.EqualError(t, err, "Missing required parameter: region")
	var ve *errs.ValidationError
	assert.True(t, errors.As(err, &ve))

	runs, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApproveAndRejectAreNoopsOutsidePending(t *testing.T) {
	engine, c := newSyncEngine(t, nil, Options{})
	ctx := context.Background()

	restart, _ := c.Action("restart-service")
	res, err := engine.StartWorkflow(ctx, restart, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err)
	before, _ := engine.Status(ctx, res.RunID)
	require.Equal(t, StatusCompleted, before.Status)

	assert.False(t, engine.ApproveWorkflow(ctx, res.RunID, "admin-1"))
	assert.False(t, engine.RejectWorkflow(ctx, res.RunID, "admin-1", "no"))
	assert.False(t, engine.ApproveWorkflow(ctx, "missing", "admin-1"))
	assert.False(t, engine.RejectWorkflow(ctx, "missing", "admin-1", ""))

	after, _ := engine.Status(ctx, res.RunID)
	assert.Equal(t, before, after)
}

func TestRejectIsTerminal(t *testing.T) {
	rec := &audit.Recorder{}
	engine, c := newSyncEngine(t, nil, Options{Audit: rec})
	ctx := context.Background()

	rollback, _ := c.Action("rollback-deployment")
	res, err := engine.StartWorkflow(ctx, rollback, StartRequest{Params: map[string]any{"service": "api"}}, "sre-1", "SRE")
	require.NoError(t, err)

	assert.True(t, engine.RejectWorkflow(ctx, res.RunID, "admin-1", "change freeze"))
	exec, _ := engine.Status(ctx, res.RunID)
	assert.Equal(t, StatusRejected, exec.Status)
	assert.Equal(t, "admin-1", exec.RejectedBy)
	assert.Empty(t, exec.ApprovedBy)
	assert.Contains(t, exec.Output[len(exec.Output)-1], "Reason: change freeze")

	assert.False(t, engine.ApproveWorkflow(ctx, res.RunID, "admin-1"))
	assert.False(t, engine.CancelWorkflow(ctx, res.RunID))
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, "Execution rejected", rec.Events()[0].Message)
}

func TestCancel(t *testing.T) {
	engine, c := newSyncEngine(t, nil, Options{})
	ctx := context.Background()

	rollback, _ := c.Action("rollback-deployment")
	gated, err := engine.StartWorkflow(ctx, rollback, StartRequest{Params: map[string]any{"service": "api"}}, "sre-1", "SRE")
	require.NoError(t, err)
	assert.True(t, engine.CancelWorkflow(ctx, gated.RunID))
	exec, _ := engine.Status(ctx, gated.RunID)
	assert.Equal(t, StatusCancelled, exec.Status)
	assert.False(t, engine.CancelWorkflow(ctx, gated.RunID))
	assert.False(t, engine.ApproveWorkflow(ctx, gated.RunID, "admin-1"))

	restart, _ := c.Action("restart-service")
	done, err := engine.StartWorkflow(ctx, restart, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err)
	assert.False(t, engine.CancelWorkflow(ctx, done.RunID))
	assert.False(t, engine.CancelWorkflow(ctx, "missing"))
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r blockingRunner) Run(ctx context.Context, _ Execution, _ catalog.Action, report Reporter) error {
	report.Log(ctx, "working")
	close(r.started)
	select {
	case <-r.release:
		report.Log(ctx, "late line")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCancelPreemptsRunningProgression(t *testing.T) {
	c := defaultCatalog(t)
	runner := blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(NewMemoryStore(), c, runner, Options{})
	defer engine.Close()
	ctx := context.Background()

	restart, _ := c.Action("restart-service")
	res, err := engine.StartWorkflow(ctx, restart, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err)
	<-runner.started

	running, _ := engine.Status(ctx, res.RunID)
	require.Equal(t, StatusRunning, running.Status)

	assert.True(t, engine.CancelWorkflow(ctx, res.RunID))
	close(runner.release)
	engine.Wait()

	exec, _ := engine.Status(ctx, res.RunID)
	assert.Equal(t, StatusCancelled, exec.Status)
	for _, line := range exec.Output {
		assert.NotContains(t, line, "late line")
		assert.NotContains(t, line, "completed successfully")
	}
}

func TestLocalRunnerStopsBetweenPhasesAfterCancel(t *testing.T) {
	c := defaultCatalog(t)
	engine := NewEngine(NewMemoryStore(), c, LocalRunner{Delay: 200 * time.Millisecond}, Options{})
	defer engine.Close()
	ctx := context.Background()

	restart, _ := c.Action("restart-service")
	res, err := engine.StartWorkflow(ctx, restart, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err)
	assert.True(t, engine.CancelWorkflow(ctx, res.RunID))
	engine.Wait()

	exec, _ := engine.Status(ctx, res.RunID)
	assert.Equal(t, StatusCancelled, exec.Status)
	phases := 0
	for _, line := range exec.Output {
		if strings.Contains(line, "Phase ") {
			phases++
		}
	}
	assert.Less(t, phases, len(DefaultPhases))
}

type failingExecutors struct{}

func (failingExecutors) For(catalog.Action) (executor.Executor, error) {
	return failingExecutor{}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, executor.Request) (string, error) {
	return "connection refused", errors.New("exit status 1")
}

func TestExecutorFailureMarksRunFailed(t *testing.T) {
	engine, c := newSyncEngine(t, LocalRunner{Phases: []string{"prepare", "apply"}, Primary: 2, Executors: failingExecutors{}}, Options{})
	ctx := context.Background()

	restart, _ := c.Action("restart-service")
	res, err := engine.StartWorkflow(ctx, restart, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err, "background failures are not returned to the caller")

	exec, _ := engine.Status(ctx, res.RunID)
	assert.Equal(t, StatusFailed, exec.Status)
	n := len(exec.Output)
	assert.Contains(t, exec.Output[n-2], "connection refused")
	assert.Contains(t, exec.Output[n-1], "Execution failed: apply: exit status 1")
	assert.False(t, engine.CancelWorkflow(ctx, res.RunID))
}

func TestRunIDsAreNeverReused(t *testing.T) {
	c := defaultCatalog(t)
	engine := NewEngine(NewMemoryStore(), c, nil, Options{Synchronous: true, NewID: func() string { return "fixed" }})
	ctx := context.Background()

	rollback, _ := c.Action("rollback-deployment")
	_, err := engine.StartWorkflow(ctx, rollback, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	require.NoError(t, err)
	_, err = engine.StartWorkflow(ctx, rollback, StartRequest{Params: map[string]any{"service": "api"}}, "u", "U")
	assert.ErrorIs(t, err, errs.ErrDuplicateRun)
}

func TestStatusNotFound(t *testing.T) {
	engine, _ := newSyncEngine(t, nil, Options{})
	_, err := engine.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusPendingApproval, StatusApproved, StatusRunning, StatusCompleted, StatusFailed, StatusRejected, StatusCancelled}
	for _, from := range all {
		if from.Terminal() {
			for _, to := range all {
				assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	}
	assert.True(t, CanTransition(StatusPendingApproval, StatusApproved))
	assert.False(t, CanTransition(StatusPendingApproval, StatusRunning))
	assert.False(t, CanTransition(StatusRunning, StatusPendingApproval))
	assert.True(t, CanTransition(StatusApproved, StatusCancelled))
}
