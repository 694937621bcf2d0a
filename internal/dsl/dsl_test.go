package dsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/configs"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

func TestEmbeddedConsoleConfigLoads(t *testing.T) {
	raw, err := configs.Console()
	require.NoError(t, err)
	rendered, err := Render(configs.ConsoleFile, raw)
	require.NoError(t, err)

	cfg, err := Load(rendered)
	require.NoError(t, err)
	assert.Equal(t, "harmony-console", cfg.Server.Name)
	assert.Equal(t, RuntimeLocal, cfg.Workflow.Runtime)
	assert.Len(t, cfg.Workflow.Phases, 5)
	assert.Equal(t, StoreMemory, cfg.Workflow.Store.Type)
	assert.Equal(t, []string{SinkLog}, cfg.Audit.Sinks)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/webhooks/executor", cfg.Server.ExecutorWebhookPath)
}

const minimal = `
server:
  name: test
  version: "1"
`

func TestDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, ":8080", cfg.Server.HTTP.Listen)
	assert.Equal(t, "/mcp", cfg.Server.HTTP.Path)
	assert.Equal(t, SQLFixture, cfg.SQL.Executor)
	assert.Equal(t, RuntimeLocal, cfg.Approval.Delivery)
	assert.Equal(t, "harmony", cfg.Events.SubjectPrefix)
	assert.Equal(t, "harmony-actions", cfg.Workflow.Temporal.TaskQueue)
	assert.Empty(t, cfg.RBAC())
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]string{
		"unknown field":        minimal + "bogus: 1\n",
		"missing name":         "server:\n  version: \"1\"\n",
		"bad transport":        minimal + "  transport: grpc\n",
		"bad duration":         minimal + "  shutdown_timeout: soon\n",
		"relative path":        minimal + "metrics:\n  path: metrics\n",
		"redis without addr":   minimal + "workflow:\n  store:\n    type: redis\n",
		"temporal no host":     minimal + "workflow:\n  runtime: temporal\n",
		"delivery mismatch":    minimal + "approval:\n  delivery: temporal\n",
		"bad webhook skew":     minimal + "approval:\n  webhook_max_skew: soon\n",
		"postgres no dsn":      minimal + "sql:\n  executor: postgres\n",
		"nats sink no bus":     minimal + "audit:\n  sinks: [nats]\n",
		"unknown sink":         minimal + "audit:\n  sinks: [syslog]\n",
		"events without url":   minimal + "events:\n  enabled: true\n",
		"primary out of range": minimal + "workflow:\n  phases: [a, b]\n  primary_phase: 3\n",
		"unknown stdio role":   minimal + "  stdio_caller:\n    role: root\n",
		"partial permissions":  minimal + "permissions:\n  - role: admin\n    allowed_actions: ['*']\n",
		"negative limits":      minimal + "limits:\n  execute_per_minute: -1\n",
		"hook without command": minimal + "  startup_hooks:\n    - name: x\n",
		"relative webhook url": minimal + "  executor_webhook_url: /callback\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPermissionsOverride(t *testing.T) {
	doc := minimal + `
permissions:
  - { role: viewer, allowed_risk_levels: [low] }
  - { role: developer, allowed_actions: [restart-service], allowed_risk_levels: [low] }
  - { role: sre, allowed_actions: ['*'], allowed_risk_levels: [low, medium, high], can_approve: true }
  - { role: admin, allowed_actions: ['*'], allowed_risk_levels: [low, medium, high, critical], can_approve: true }
`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)
	model, err := rbac.NewModel(cfg.RBAC())
	require.NoError(t, err)
	perm, ok := model.Permissions(rbac.Developer)
	require.True(t, ok)
	assert.Equal(t, []string{"restart-service"}, perm.AllowedActions)
	assert.True(t, model.CanApprove(rbac.SRE))
}

func TestWebhookPathFollowsURL(t *testing.T) {
	cfg, err := Load([]byte(minimal + "  executor_webhook_url: https://console.example.com/hooks/exec\n"))
	require.NoError(t, err)
	assert.Equal(t, "/hooks/exec", cfg.Server.ExecutorWebhookPath)
}

func TestRender(t *testing.T) {
	t.Setenv("HARMONY_TEST_LISTEN", ":9090")

	out, err := Render("t", []byte(`listen: '{{ env "HARMONY_TEST_LISTEN" }}' fallback: '{{ envOr "HARMONY_TEST_UNSET" "x" }}'`))
	require.NoError(t, err)
	assert.Equal(t, `listen: ':9090' fallback: 'x'`, string(out))

	_, err = Render("t", []byte(`{{ env "HARMONY_TEST_UNSET_A" }}{{ env "HARMONY_TEST_UNSET_B" }}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HARMONY_TEST_UNSET_A, HARMONY_TEST_UNSET_B")
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", 0))
	assert.EqualValues(t, 7, ParseDuration("", 7))
	assert.EqualValues(t, 7, ParseDuration("nope", 7))
}
