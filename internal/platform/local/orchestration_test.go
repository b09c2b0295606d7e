package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-orchestrator/internal/orchestrator"
)

// TestSessionLifecycle drives a session end to end with in-process
// controllers and the in-memory media platform.
func TestSessionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := testLogger()
	store := orchestrator.NewMemoryStore()
	queue := orchestrator.NewMemoryQueue(time.Second)
	media := NewMedia()
	launcher := NewLauncher(ctx, func(ctx context.Context, sessionID string) error {
		return orchestrator.NewController(store, queue, media, log, nil, orchestrator.ControllerConfig{
			PollWait:      50 * time.Millisecond,
			RetryInterval: 10 * time.Millisecond,
		}).Run(ctx, sessionID)
	}, log)

	svc := orchestrator.NewService(orchestrator.Deps{
		Store:    store,
		Shows:    store,
		Media:    media,
		Queue:    queue,
		Launcher: launcher,
		Log:      log,
	}, orchestrator.Options{})

	_, err := svc.RegisterChannel(ctx, "c1", "arn:channel/c1", "Studio 1")
	require.NoError(t, err)
	_, err = svc.AssignChannel(ctx, "h1", "c1")
	require.NoError(t, err)
	require.NoError(t, store.PutShow(ctx, "show1"))

	res, err := svc.CreateSession(ctx, "h1", "show1")
	require.NoError(t, err)
	id := res.Session.ID
	require.NotEmpty(t, res.Session.Resources.Controller)

	featured := func() string {
		s, err := store.GetSession(ctx, id)
		if err != nil || s.Resources.Composition == "" {
			return ""
		}
		src, ok := media.Featured(s.Resources.Composition)
		if !ok {
			return ""
		}
		return src.String()
	}
	require.Eventually(t, func() bool { return featured() == "host" }, 2*time.Second, 10*time.Millisecond)

	_, err = svc.SwitchSource(ctx, id, "h1", "track:42")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return featured() == "track:42" }, 2*time.Second, 10*time.Millisecond)

	end, err := svc.EndSession(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, end.Unreleased)
	assert.Zero(t, launcher.Running())

	stages, channels, compositions := media.Live()
	assert.Zero(t, stages)
	assert.Zero(t, channels)
	assert.Zero(t, compositions)

	chs, err := svc.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, chs, 1)
	assert.Equal(t, orchestrator.ChannelIdle, chs[0].State)
}
