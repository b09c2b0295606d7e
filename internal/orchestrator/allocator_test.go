package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, maxActive int) (*Allocator, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAllocator(store, testLogger(), maxActive, func() time.Time { return now })
	for _, id := range []string{"c1", "c2", "c3"} {
		_, err := a.Register(context.Background(), id, "arn:channel/"+id, "")
		require.NoError(t, err)
	}
	return a, store, &now
}

func TestAllocator_Reserve(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	ch, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, ChannelLive, ch.State)
	assert.Equal(t, "s1", ch.CurrentSessionID)
	assert.Equal(t, int64(1), ch.Usage.SessionCount)

	// Idempotent for the owning session.
	again, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, ch.Version, again.Version)
}

func TestAllocator_Reserve_conflict(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)

	_, err = a.Reserve(ctx, "c1", "s2")
	var conflict *ChannelConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "s1", conflict.SessionID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAllocator_Reserve_offline(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.SetOffline(ctx, "c1")
	require.NoError(t, err)

	_, err = a.Reserve(ctx, "c1", "s1")
	assert.ErrorIs(t, err, ErrChannelOffline)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAllocator_Reserve_missing_channel(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	_, err := a.Reserve(context.Background(), "nope", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocator_Release(t *testing.T) {
	a, _, now := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)

	// Someone else's release is ignored.
	changed, err := a.Release(ctx, "c1", "s2")
	require.NoError(t, err)
	assert.False(t, changed)

	*now = now.Add(90 * time.Second)
	changed, err = a.Release(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.Release(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAllocator_Release_records_usage(t *testing.T) {
	a, store, now := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)
	*now = now.Add(90 * time.Second)
	_, err = a.Release(ctx, "c1", "s1")
	require.NoError(t, err)

	ch, err := store.GetChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ChannelIdle, ch.State)
	assert.Empty(t, ch.CurrentSessionID)
	assert.Equal(t, int64(90), ch.Usage.LiveSeconds)
	require.NotNil(t, ch.Usage.LastEndedAt)
	assert.Equal(t, *now, *ch.Usage.LastEndedAt)
}

func TestAllocator_Release_offline_keeps_state(t *testing.T) {
	a, store, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)
	_, err = a.SetOffline(ctx, "c1")
	require.NoError(t, err)

	changed, err := a.Release(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.True(t, changed)

	ch, err := store.GetChannel(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ChannelOffline, ch.State)
	assert.Empty(t, ch.CurrentSessionID)
}

func TestAllocator_SetOnline(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.SetOnline(ctx, "c1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = a.SetOffline(ctx, "c1")
	require.NoError(t, err)
	ch, err := a.SetOnline(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, ChannelIdle, ch.State)

	// A channel still referenced by a session goes back to LIVE.
	_, err = a.Reserve(ctx, "c2", "s1")
	require.NoError(t, err)
	_, err = a.SetOffline(ctx, "c2")
	require.NoError(t, err)
	ch, err = a.SetOnline(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, ChannelLive, ch.State)
	assert.Equal(t, "s1", ch.CurrentSessionID)
}

func TestAllocator_CheckCapacity(t *testing.T) {
	a, _, _ := newTestAllocator(t, 2)
	ctx := context.Background()

	require.NoError(t, a.CheckCapacity(ctx))
	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)
	require.NoError(t, a.CheckCapacity(ctx))
	_, err = a.Reserve(ctx, "c2", "s2")
	require.NoError(t, err)

	err = a.CheckCapacity(ctx)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	n, err := a.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAllocator_Reserve_over_capacity_is_undone(t *testing.T) {
	a, _, _ := newTestAllocator(t, 1)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)

	// A creator that passed an earlier capacity check still cannot fill
	// the pool past its limit.
	_, err = a.Reserve(ctx, "c2", "s2")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	ch, err := a.store.GetChannel(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, ChannelIdle, ch.State)
	assert.Empty(t, ch.CurrentSessionID)
	assert.Zero(t, ch.Usage.SessionCount)
	assert.Nil(t, ch.Usage.LastStartedAt)

	n, err := a.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAllocator_ResolveForHost(t *testing.T) {
	a, store, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.ResolveForHost(ctx, "h1")
	assert.ErrorIs(t, err, ErrNoChannelAssigned)

	_, err = a.Assign(ctx, "h1", "c2")
	require.NoError(t, err)
	ch, err := a.ResolveForHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "c2", ch.ID)

	// An assignment pointing at a channel that vanished.
	require.NoError(t, store.PutAssignment(ctx, &ChannelAssignment{HostID: "h2", ChannelID: "gone"}))
	_, err = a.ResolveForHost(ctx, "h2")
	assert.ErrorIs(t, err, ErrChannelRecordMissing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAllocator_Assign(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Assign(ctx, "h1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = a.Assign(ctx, "", "c1")
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = a.Assign(ctx, "h1", "c1")
	require.NoError(t, err)
	require.NoError(t, a.Unassign(ctx, "h1"))
	_, err = a.ResolveForHost(ctx, "h1")
	assert.ErrorIs(t, err, ErrNoChannelAssigned)
}

func TestAllocator_Register_updates_handle(t *testing.T) {
	a, _, _ := newTestAllocator(t, 0)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "c1", "s1")
	require.NoError(t, err)

	ch, err := a.Register(ctx, "c1", "arn:channel/new", "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "arn:channel/new", ch.Handle)
	assert.Equal(t, "Renamed", ch.Name)
	assert.Equal(t, ChannelLive, ch.State)
	assert.Equal(t, "s1", ch.CurrentSessionID)

	_, err = a.Register(ctx, "c9", "", "")
	assert.ErrorIs(t, err, ErrBadRequest)
}
