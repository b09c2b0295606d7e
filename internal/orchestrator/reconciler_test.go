package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile_leaves_healthy_sessions(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)

	report, err := f.svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	assert.Equal(t, ChannelLive, f.channel(t, "c1").State)
	assert.Equal(t, SessionActive, f.session(t, s.ID).Status)
}

func TestReconcile_orphaned_reservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A creation that reserved the channel and died before persisting.
	_, err := f.svc.allocator.Reserve(ctx, "c1", "lost")
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OrphanedChannels, "fresh reservations are left alone")
	assert.Equal(t, ChannelLive, f.channel(t, "c1").State)

	f.now = f.now.Add(DefaultReservationGrace + time.Second)
	report, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphanedChannels)
	ch := f.channel(t, "c1")
	assert.Equal(t, ChannelIdle, ch.State)
	assert.Empty(t, ch.CurrentSessionID)
}

func TestReconcile_stale_channel(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	// The session went terminal but the teardown never ran.
	_, err := updateSession(ctx, f.store, s.ID, func(ls *LiveSession) error {
		ls.Status = SessionEnded
		return nil
	})
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleChannels)
	assert.Zero(t, report.RetriedSessions)
	assert.Equal(t, ChannelIdle, f.channel(t, "c1").State)
	assert.Zero(t, f.media.live())
	assert.False(t, f.session(t, s.ID).Resources.Held())
}

func TestReconcile_retries_unreleased_resources(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	ctx := context.Background()

	f.media.failOn("DeleteStage:raw", errBoom)
	res, err := f.svc.EndSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, res.Unreleased, 1)

	// Still failing: nothing external is released, nothing is counted.
	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RetriedSessions)

	f.media.failOn("DeleteStage:raw", nil)
	report, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RetriedSessions)
	assert.Zero(t, f.media.live())
	assert.False(t, f.session(t, s.ID).Resources.Held())
	assert.Equal(t, SessionEnded, f.session(t, s.ID).Status)
}

func TestReconciler_Run_stops_on_cancel(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ReconcileInterval = 5 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.svc.RunReconciler(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
