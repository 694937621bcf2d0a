package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kristopherlb/harmony-sub001/internal/config"
	"github.com/Kristopherlb/harmony-sub001/internal/console"
	"github.com/Kristopherlb/harmony-sub001/internal/dsl"
	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

func TestStdioCaller(t *testing.T) {
	assert.Nil(t, stdioCaller(config.Config{}, dsl.CallerConfig{}))

	got := stdioCaller(config.Config{CallerRole: "admin"}, dsl.CallerConfig{ID: "ops", Role: "viewer"})
	assert.Equal(t, &console.Caller{ID: "ops", Name: "ops", Role: rbac.Admin}, got)

	got = stdioCaller(config.Config{CallerID: "me", CallerName: "Me", CallerRole: "bogus"}, dsl.CallerConfig{})
	assert.Equal(t, &console.Caller{ID: "me", Name: "Me", Role: rbac.Viewer}, got)
}

func TestWireWithEmbeddedDefaults(t *testing.T) {
	rendered, err := renderConfig("", "")
	require.NoError(t, err)
	cfg, err := dsl.Load(rendered)
	require.NoError(t, err)

	c, err := wire(context.Background(), config.Config{}, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.close)

	require.NotNil(t, c.server)
	assert.Contains(t, c.routes, "/metrics")
	assert.Contains(t, c.routes, "/webhooks/approval")
	assert.Contains(t, c.routes, "/webhooks/executor")
}
