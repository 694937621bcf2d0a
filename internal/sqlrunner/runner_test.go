package sqlrunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type countingExecutor struct {
	calls int
	set   ResultSet
	err   error
}

func (c *countingExecutor) Execute(context.Context, catalog.QueryTemplate, map[string]any) (ResultSet, error) {
	c.calls++
	return c.set, c.err
}

type failingSink struct{}

func (failingSink) Record(context.Context, audit.Event) error { return errors.New("disk full") }

func newRunner(t *testing.T, exec QueryExecutor, sink audit.Sink) *Runner {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	clock := &stepClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), step: 7 * time.Millisecond}
	return New(c, exec, sink, Options{Now: clock.Now, NewID: func() string { return "q-1" }})
}

func TestExecuteAuditsExactlyOnceWithMaskedEmail(t *testing.T) {
	rec := &audit.Recorder{}
	exec := FixtureExecutor{Results: map[string]ResultSet{
		"user-by-email": {Columns: []string{"id", "email"}, Rows: []map[string]any{{"id": "U001", "email": "alice@company.com"}}},
	}}
	r := newRunner(t, exec, rec)

	res, err := r.Execute(context.Background(), Request{TemplateID: "user-by-email", Params: map[string]any{"email": "alice@company.com"}}, "sre-1", "Sam", rbac.SRE)
	require.NoError(t, err)
	assert.Equal(t, "q-1", res.ID)
	assert.Equal(t, "User By Email", res.TemplateName)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, []string{"id", "email"}, res.Columns)
	assert.Equal(t, int64(7), res.ExecutionTimeMs)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "sql-runner", events[0].Source)
	masked := events[0].Payload["params"].(map[string]any)
	assert.Equal(t, "al***@company.com", masked["email"])
	assert.Equal(t, "user-by-email", events[0].Payload["templateId"])
}

func TestInjectionIsRejectedWithoutAudit(t *testing.T) {
	rec := &audit.Recorder{}
	exec := &countingExecutor{}
	r := newRunner(t, exec, rec)

	for _, bad := range []string{"U001'; DROP TABLE users;--", "a;b", `a"b`, `a\b`} {
		_, err := r.Execute(context.Background(), Request{TemplateID: "user-lookup", Params: map[string]any{"userId": bad}}, "sre-1", "Sam", rbac.SRE)
		require.Error(t, err, bad)
		assert.ErrorContains(t, err, "contains invalid characters")
		var ve *errs.ValidationError
		assert.True(t, errors.As(err, &ve))
	}
	assert.Empty(t, rec.Events())
	assert.Zero(t, exec.calls)
}

func TestLookupAndRoleChecksComeFirst(t *testing.T) {
	rec := &audit.Recorder{}
	exec := &countingExecutor{}
	r := newRunner(t, exec, rec)
	ctx := context.Background()

	_, err := r.Execute(ctx, Request{TemplateID: "nope"}, "u", "U", rbac.Admin)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = r.Execute(ctx, Request{TemplateID: "user-lookup", Params: map[string]any{"userId": "x'"}}, "v", "V", rbac.Viewer)
	var pe *errs.PermissionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Insufficient permissions", pe.Error())

	_, err = r.Execute(ctx, Request{TemplateID: "recent-deployments", Params: map[string]any{"service": "api"}}, "v", "V", rbac.Viewer)
	assert.EqualError(t, err, "Missing required parameter: limit")

	assert.Empty(t, rec.Events())
	assert.Zero(t, exec.calls)
}

func TestExecutorFailureIsNotAudited(t *testing.T) {
	rec := &audit.Recorder{}
	r := newRunner(t, &countingExecutor{err: errors.New("connection reset")}, rec)

	_, err := r.Execute(context.Background(), Request{TemplateID: "slow-queries", Params: map[string]any{"thresholdMs": 100}}, "a", "A", rbac.Admin)
	assert.ErrorContains(t, err, "connection reset")
	assert.Empty(t, rec.Events())
}

func TestAuditFailureFailsTheQuery(t *testing.T) {
	r := newRunner(t, FixtureExecutor{}, failingSink{})
	_, err := r.Execute(context.Background(), Request{TemplateID: "slow-queries", Params: map[string]any{"thresholdMs": 100}}, "a", "A", rbac.Admin)
	assert.ErrorContains(t, err, "disk full")
}

func TestTemplatesFilteredByRole(t *testing.T) {
	r := newRunner(t, FixtureExecutor{}, nil)

	viewer := r.Templates(rbac.Viewer)
	require.Len(t, viewer, 1)
	assert.Equal(t, "recent-deployments", viewer[0].ID)

	admin := r.Templates(rbac.Admin)
	assert.Len(t, admin, 5)

	c, _ := catalog.New(nil, []catalog.QueryTemplate{{ID: "t", SQL: "SELECT 1", RequiredRoles: []rbac.Role{rbac.Admin}}})
	none := New(c, FixtureExecutor{}, nil, Options{}).Templates(rbac.Viewer)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestFixtureExecutorReturnsEmptySetForUnknownTemplate(t *testing.T) {
	set, err := FixtureExecutor{}.Execute(context.Background(), catalog.QueryTemplate{ID: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, set.RowCount)
	assert.NotNil(t, set.Rows)
}
