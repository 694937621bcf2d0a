package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/internal/approval"
	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/idempotency"
	"github.com/Kristopherlb/harmony-sub001/internal/limits"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

var (
	dev   = Caller{ID: "dev-1", Name: "Dev One", Role: rbac.Developer}
	sre   = Caller{ID: "sre-1", Name: "Sre One", Role: rbac.SRE}
	admin = Caller{ID: "admin-1", Name: "Admin One", Role: rbac.Admin}
	view  = Caller{ID: "viewer-1", Name: "Viewer One", Role: rbac.Viewer}
)

type rejections struct{ ops []string }

func (r *rejections) Rejected(op string, _ error) { r.ops = append(r.ops, op) }

type fixture struct {
	svc      *Service
	audit    *audit.Recorder
	rejected *rejections
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	rec := &audit.Recorder{}
	perms := rbac.DefaultModel()
	engine := workflow.NewEngine(workflow.NewMemoryStore(), cat, nil, workflow.Options{Synchronous: true, Audit: rec})
	queries := sqlrunner.New(cat, sqlrunner.FixtureExecutor{Results: map[string]sqlrunner.ResultSet{
		"user-by-email": {Columns: []string{"id", "email"}, Rows: []map[string]any{{"id": 7, "email": "alice@company.com"}}},
	}}, rec, sqlrunner.Options{})
	bridge := &approval.Bridge{Authz: perms, Deliverer: approval.LocalDeliverer{Engine: engine}, Audit: rec}
	rej := &rejections{}
	opts.Rejections = rej
	return fixture{svc: New(cat, perms, engine, queries, bridge, opts), audit: rec, rejected: rej}
}

func TestExecuteUnknownAction(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Execute(context.Background(), ExecuteRequest{ActionID: "nope"}, admin)
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, []string{"execute"}, f.rejected.ops)
}

func TestExecutePermissionMatrix(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	rollback := ExecuteRequest{ActionID: "rollback-deployment", Params: map[string]any{"service": "api"}}

	_, err := f.svc.Execute(ctx, rollback, dev)
	var permErr *errs.PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, "Insufficient permissions", permErr.Error())

	_, err = f.svc.Execute(ctx, ExecuteRequest{ActionID: "restart-service", Params: map[string]any{"service": "api"}}, view)
	require.ErrorAs(t, err, &permErr)

	res, err := f.svc.Execute(ctx, rollback, sre)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPendingApproval, res.Status)
}

func TestExecuteValidationError(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Execute(context.Background(), ExecuteRequest{ActionID: "scale-service", Params: map[string]any{"service": "api", "replicas": "many"}}, dev)
	var vErr *errs.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "replicas", vErr.Field)
}

func TestApproveRequiresApprovingRole(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, err := f.svc.Execute(ctx, ExecuteRequest{ActionID: "rollback-deployment", Params: map[string]any{"service": "api"}}, sre)
	require.NoError(t, err)

	ok, err := f.svc.Approve(ctx, res.RunID, dev)
	var permErr *errs.PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.False(t, ok)

	ok, err = f.svc.Approve(ctx, res.RunID, admin)
	require.NoError(t, err)
	assert.True(t, ok)

	exec, err := f.svc.Status(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, "admin-1", exec.ApprovedBy)

	ok, err = f.svc.Reject(ctx, res.RunID, admin, "too late")
	require.NoError(t, err)
	assert.False(t, ok, "settled runs ignore further decisions")
}

func TestDecisionsAreAuditedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	req := ExecuteRequest{ActionID: "rollback-deployment", Params: map[string]any{"service": "api"}}
	first, err := f.svc.Execute(ctx, req, sre)
	require.NoError(t, err)
	second, err := f.svc.Execute(ctx, req, sre)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, first.RunID, admin)
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, second.RunID, admin, "freeze")
	require.NoError(t, err)

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "Execution approved", events[0].Message)
	assert.Equal(t, "Execution rejected", events[1].Message)
	assert.Equal(t, events[0].Source, events[1].Source)
	assert.Equal(t, events[0].Severity, events[1].Severity)
}

func TestRejectAndCancel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	first, err := f.svc.Execute(ctx, ExecuteRequest{ActionID: "drop-database", Params: map[string]any{"databaseName": "scratch", "confirmation": "scratch"}}, admin)
	require.NoError(t, err)
	second, err := f.svc.Execute(ctx, ExecuteRequest{ActionID: "rotate-credentials", Params: map[string]any{"service": "api", "notify": "ops@company.com"}}, sre)
	require.NoError(t, err)

	ok, err := f.svc.Reject(ctx, first.RunID, sre, "no backup")
	require.NoError(t, err)
	assert.True(t, ok)
	exec, _ := f.svc.Status(ctx, first.RunID)
	assert.Equal(t, workflow.StatusRejected, exec.Status)
	assert.Equal(t, "no backup", exec.RejectionReason)

	assert.True(t, f.svc.Cancel(ctx, second.RunID))
	assert.False(t, f.svc.Cancel(ctx, second.RunID))

	list, err := f.svc.Executions(ctx, workflow.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestExecuteRateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: limits.New(map[string]int{limits.OpExecute: 1})})
	ctx := context.Background()
	req := ExecuteRequest{ActionID: "restart-service", Params: map[string]any{"service": "api"}}

	_, err := f.svc.Execute(ctx, req, dev)
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, req, dev)
	var rateErr *errs.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	_, err = f.svc.Execute(ctx, req, sre)
	require.NoError(t, err)
}

func TestExecuteIdempotencyKey(t *testing.T) {
	f := newFixture(t, Options{Idempotency: idempotency.NewCache[workflow.StartResult](time.Minute, 10)})
	ctx := context.Background()
	req := ExecuteRequest{ActionID: "restart-service", Params: map[string]any{"service": "api"}, IdempotencyKey: "retry-1"}

	first, err := f.svc.Execute(ctx, req, dev)
	require.NoError(t, err)
	again, err := f.svc.Execute(ctx, req, dev)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)

	other, err := f.svc.Execute(ctx, req, sre)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, other.RunID, "keys are scoped per caller")

	req.Params = map[string]any{"service": "web"}
	_, err = f.svc.Execute(ctx, req, dev)
	var vErr *errs.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "idempotencyKey", vErr.Field)

	list, err := f.svc.Executions(ctx, workflow.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestQueryAuditsMaskedEmail(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Query(ctx, sqlrunner.Request{TemplateID: "user-by-email", Params: map[string]any{"email": "alice@company.com"}}, dev)
	var permErr *errs.PermissionError
	require.ErrorAs(t, err, &permErr)

	res, err := f.svc.Query(ctx, sqlrunner.Request{TemplateID: "user-by-email", Params: map[string]any{"email": "alice@company.com"}}, sre)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)

	events := f.audit.Events()
	require.Len(t, events, 1)
	params := events[0].Payload["params"].(map[string]any)
	assert.Equal(t, "al***@company.com", params["email"])
}

func TestQueryRateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: limits.New(map[string]int{limits.OpQuery: 1})})
	ctx := context.Background()
	req := sqlrunner.Request{TemplateID: "failed-jobs", Params: map[string]any{"queue": "billing"}}

	_, err := f.svc.Query(ctx, req, dev)
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, req, dev)
	require.True(t, errors.As(err, new(*errs.RateLimitError)))
	assert.Equal(t, []string{"query"}, f.rejected.ops)
}

func TestActionsAndTemplatesForRole(t *testing.T) {
	f := newFixture(t, Options{})

	views := f.svc.Actions(rbac.Developer)
	require.Len(t, views, 7)
	byID := map[string]ActionView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	assert.True(t, byID["restart-service"].CanExecute)
	assert.False(t, byID["rollback-deployment"].CanExecute)
	assert.True(t, byID["rollback-deployment"].RequiresApproval)
	assert.False(t, byID["flush-cache"].CanExecute, "flush-cache is not listed for developers")

	ids := func(ts []catalog.QueryTemplate) []string {
		out := []string{}
		for _, tmpl := range ts {
			out = append(out, tmpl.ID)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"recent-deployments", "failed-jobs"}, ids(f.svc.Templates(rbac.Developer)))
	assert.ElementsMatch(t, []string{"recent-deployments"}, ids(f.svc.Templates(rbac.Viewer)))
	assert.Len(t, f.svc.Templates(rbac.Admin), 5)
}
