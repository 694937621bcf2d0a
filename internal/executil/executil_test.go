package executil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	data := TemplateData{Params: map[string]any{"service": "api", "note": "it's"}, RunID: "r1", ActionID: "restart-service"}

	out, err := RenderTemplate(`kubectl rollout restart deploy/{{ param "service" }} # {{ .RunID }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "kubectl rollout restart deploy/api # r1", out)

	out, err = RenderTemplate(`echo {{ quote (param "note") }}`, data)
	require.NoError(t, err)
	assert.Equal(t, `echo 'it'\''s'`, out)

	out, err = RenderTemplate(`{{ param "missing" }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "", out)

	_, err = RenderTemplate(`{{ param }`, data)
	assert.Error(t, err)
}

func TestBuildCommandAddsRunEnv(t *testing.T) {
	cmd, err := BuildCommand(context.Background(), "echo", []string{`{{ param "service" }}`}, map[string]string{"TARGET": `{{ .ActionID }}`},
		TemplateData{Params: map[string]any{"service": "api"}, RunID: "r1", ActionID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "api"}, cmd.Args)
	assert.Contains(t, cmd.Env, "HARMONY_RUN_ID=r1")
	assert.Contains(t, cmd.Env, "TARGET=a1")
}
