package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/platform/config"
)

func TestRootCmd_reads_environment(t *testing.T) {
	t.Setenv("SESSION_ID", "s1")
	t.Setenv("DYNAMO_TABLE", "prod-sessions")

	v := viper.New()
	newRootCmd(v)

	assert.Equal(t, "s1", v.GetString("session-id"))
	assert.Equal(t, "prod-sessions", v.GetString("dynamo-table"))
	assert.Equal(t, config.BackendIVS, v.GetString("media-backend"))
}

func TestRootCmd_requires_session(t *testing.T) {
	t.Setenv("SESSION_ID", "")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd(viper.New())
	cmd.SetArgs([]string{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_ID is required")
}
