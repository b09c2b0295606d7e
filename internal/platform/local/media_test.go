package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/orchestrator"
)

func TestMedia_one_composition_per_channel(t *testing.T) {
	m := NewMedia()
	ctx := context.Background()

	stage, err := m.CreateStage(ctx, "s1-raw", orchestrator.StageRaw)
	require.NoError(t, err)
	relay, err := m.CreateRelayChannel(ctx, "s1-relay")
	require.NoError(t, err)

	req := orchestrator.CompositionRequest{StageHandle: stage, ChannelHandle: relay, Featured: orchestrator.HostSource()}
	first, err := m.StartComposition(ctx, req)
	require.NoError(t, err)
	_, err = m.StartComposition(ctx, req)
	assert.Error(t, err)

	require.NoError(t, m.StopComposition(ctx, first))
	_, err = m.StartComposition(ctx, req)
	require.NoError(t, err)
}

func TestMedia_token_requires_stage(t *testing.T) {
	m := NewMedia()
	ctx := context.Background()

	_, err := m.CreateParticipantToken(ctx, orchestrator.TokenRequest{StageHandle: "stage/none"})
	assert.Error(t, err)

	stage, err := m.CreateStage(ctx, "s1-raw", orchestrator.StageRaw)
	require.NoError(t, err)
	tok, err := m.CreateParticipantToken(ctx, orchestrator.TokenRequest{StageHandle: stage, UserID: "h1", TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "h1", tok.ParticipantID)
	assert.NotEmpty(t, tok.Token)

	require.NoError(t, m.DeleteStage(ctx, stage))
	stages, _, _ := m.Live()
	assert.Zero(t, stages)
}
