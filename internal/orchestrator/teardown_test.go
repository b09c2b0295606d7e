package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withComposition starts a composition on the fake platform and records it
// on the session, as a running controller would.
func withComposition(t *testing.T, f *fixture, s *LiveSession) string {
	t.Helper()
	ctx := context.Background()
	h, err := f.media.StartComposition(ctx, CompositionRequest{
		StageHandle:   s.Resources.RawStage,
		ChannelHandle: s.Resources.ChannelHandle,
		Featured:      HostSource(),
	})
	require.NoError(t, err)
	_, err = updateSession(ctx, f.store, s.ID, func(ls *LiveSession) error {
		ls.Resources.Composition = h
		return nil
	})
	require.NoError(t, err)
	return h
}

func TestEndSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()
	withComposition(t, f, s)
	_, err := f.svc.SwitchSource(ctx, s.ID, "h1", "track:42")
	require.NoError(t, err)

	res, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, res.Status)
	assert.True(t, res.Cleaned)
	assert.Empty(t, res.Unreleased)
	assert.Equal(t, []ResourceKind{
		ResourceController,
		ResourceCommandQueue,
		ResourceComposition,
		ResourceRelayChannel,
		ResourceProgramStage,
		ResourceRawStage,
		ResourceChannelState,
	}, res.Released)

	assert.Zero(t, f.media.live())
	assert.Empty(t, f.launcher.running)
	assert.Zero(t, f.queue.Len(s.ID))

	ch := f.channel(t, "c1")
	assert.Equal(t, ChannelIdle, ch.State)
	assert.Empty(t, ch.CurrentSessionID)

	stored := f.session(t, s.ID)
	assert.Equal(t, SessionEnded, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, f.now, *stored.EndedAt)
	assert.False(t, stored.Resources.Held())
	assert.Equal(t, "c1", stored.Resources.ChannelID)
}

func TestEndSession_release_order(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	comp := withComposition(t, f, s)
	before := len(f.media.callLog())

	_, err := f.svc.EndSession(context.Background(), s.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"ctrl-1"}, f.launcher.stopped)
	assert.Equal(t, []string{
		"StopComposition " + comp,
		"DeleteChannel " + s.Resources.RelayChannel,
		"DeleteStage " + s.Resources.ProgramStage,
		"DeleteStage " + s.Resources.RawStage,
	}, f.media.callLog()[before:])
}

func TestEndSession_twice(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	first, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	calls := len(f.media.callLog())
	version := f.session(t, s.ID).Version

	second, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, second.Status)
	assert.True(t, second.Cleaned)
	assert.Empty(t, second.Unreleased)
	assert.Equal(t, first.Status, second.Status)
	assert.Len(t, f.media.callLog(), calls, "nothing left to release")
	assert.Len(t, f.launcher.stopped, 1)
	assert.Equal(t, version, f.session(t, s.ID).Version)
}

func TestEndSession_partial_failure(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()
	f.media.failOn("DeleteStage:raw", errBoom)

	res, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionEnded, res.Status)
	assert.True(t, res.Cleaned)
	require.Len(t, res.Unreleased, 1)
	assert.Equal(t, ResourceRawStage, res.Unreleased[0].Kind)
	assert.Equal(t, s.Resources.RawStage, res.Unreleased[0].Handle)

	// Everything else went, the channel is free and the raw stage is still
	// referenced for a later retry.
	assert.Equal(t, 1, f.media.live())
	assert.Equal(t, ChannelIdle, f.channel(t, "c1").State)
	stored := f.session(t, s.ID)
	assert.Equal(t, s.Resources.RawStage, stored.Resources.RawStage)
	assert.Empty(t, stored.Resources.ProgramStage)
	assert.Empty(t, stored.Resources.RelayChannel)
	assert.Empty(t, stored.Resources.Controller)

	f.media.failOn("DeleteStage:raw", nil)
	res, err = f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, res.Unreleased)
	assert.Contains(t, res.Released, ResourceRawStage)
	assert.Zero(t, f.media.live())
	assert.False(t, f.session(t, s.ID).Resources.Held())
}

func TestEndSession_controller_stop_failure(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	f.launcher.stopErr = errBoom

	res, err := f.svc.EndSession(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, res.Unreleased, 1)
	assert.Equal(t, ResourceController, res.Unreleased[0].Kind)
	assert.Zero(t, f.media.live())
	assert.Equal(t, "ctrl-1", f.session(t, s.ID).Resources.Controller)
}

func TestCompleteSession(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	res, err := f.svc.CompleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, res.Status)
	assert.Equal(t, ChannelIdle, f.channel(t, "c1").State)

	// Terminal statuses do not change into each other.
	res, err = f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, res.Status)
	assert.Equal(t, SessionCompleted, f.session(t, s.ID).Status)
}

func TestEndSession_channel_reused(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	_, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)

	next := f.create(t)
	assert.NotEqual(t, s.ID, next.ID)
	ch := f.channel(t, "c1")
	assert.Equal(t, ChannelLive, ch.State)
	assert.Equal(t, next.ID, ch.CurrentSessionID)
	assert.Equal(t, int64(2), ch.Usage.SessionCount)

	// Ending the old session again must not free the new session's channel.
	_, err = f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, f.channel(t, "c1").CurrentSessionID)
}

func TestEndSession_unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.EndSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTeardown_rejects_non_terminal_status(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	_, err := f.svc.teardown.Run(context.Background(), s.ID, SessionActive)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, SessionActive, f.session(t, s.ID).Status)
}

// limitedSessionWrites lets the next allow session writes through and fails
// the rest. A negative allow means unlimited.
type limitedSessionWrites struct {
	*MemoryStore
	allow atomic.Int32
}

func (s *limitedSessionWrites) PutSession(ctx context.Context, ls *LiveSession, expect int64) (*LiveSession, error) {
	if s.allow.Load() >= 0 && s.allow.Add(-1) < 0 {
		return nil, errBoom
	}
	return s.MemoryStore.PutSession(ctx, ls, expect)
}

func TestEndSession_reports_when_references_cannot_be_cleared(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	store := &limitedSessionWrites{MemoryStore: f.store}
	store.allow.Store(1) // the terminal status write only
	svc := NewService(Deps{
		Store:    store,
		Shows:    f.store,
		Media:    f.media,
		Queue:    f.queue,
		Launcher: f.launcher,
		Log:      f.log,
		Now:      func() time.Time { return f.now },
	}, Options{})

	res, err := svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, res.Cleaned)
	assert.Equal(t, SessionEnded, res.Status)
	assert.Empty(t, res.Unreleased)
	assert.Contains(t, res.Released, ResourceRawStage)
	assert.Zero(t, f.media.live())
	assert.Equal(t, ChannelIdle, f.channel(t, "c1").State)

	// The record is terminal but still names what was released.
	stored := f.session(t, s.ID)
	assert.Equal(t, SessionEnded, stored.Status)
	assert.NotEmpty(t, stored.Resources.RawStage)

	// A later pass clears them.
	store.allow.Store(-1)
	_, err = svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, f.session(t, s.ID).Resources.Held())
}
