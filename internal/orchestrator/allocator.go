package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
)

// DefaultMaxActiveSessions is the shared pool capacity.
const DefaultMaxActiveSessions = 20

// Allocator enforces the pool capacity and the per-channel state machine:
//
//	IDLE -> LIVE (session start) -> IDLE (session end)
//	any  -> OFFLINE (administrative), OFFLINE -> IDLE|LIVE (administrative)
//
// Every transition is a conditional write against the stored version.
type Allocator struct {
	store     Store
	log       *slog.Logger
	maxActive int
	now       func() time.Time
}

// NewAllocator returns an Allocator. If maxActive <= 0,
// DefaultMaxActiveSessions is used.
func NewAllocator(store Store, log *slog.Logger, maxActive int, now func() time.Time) *Allocator {
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveSessions
	}
	if now == nil {
		now = time.Now
	}
	return &Allocator{store: store, log: log, maxActive: maxActive, now: now}
}

// CountActive returns the number of channels currently LIVE.
func (a *Allocator) CountActive(ctx context.Context) (int, error) {
	live, err := a.store.ListChannelsByState(ctx, ChannelLive)
	if err != nil {
		return 0, oops.Wrapf(err, "count live channels")
	}
	return len(live), nil
}

// CheckCapacity fails with ErrCapacityExceeded once the pool is full.
func (a *Allocator) CheckCapacity(ctx context.Context) error {
	n, err := a.CountActive(ctx)
	if err != nil {
		return err
	}
	if n >= a.maxActive {
		return oops.Wrapf(ErrCapacityExceeded, "%d of %d channels live", n, a.maxActive)
	}
	return nil
}

// ResolveForHost returns the channel assigned to hostID.
func (a *Allocator) ResolveForHost(ctx context.Context, hostID string) (*PersistentChannel, error) {
	asg, err := a.store.GetAssignment(ctx, hostID)
	if errors.Is(err, ErrNotFound) {
		return nil, oops.Wrapf(ErrNoChannelAssigned, "host %s", hostID)
	}
	if err != nil {
		return nil, err
	}

	ch, err := a.store.GetChannel(ctx, asg.ChannelID)
	if errors.Is(err, ErrNotFound) {
		a.log.Error("channel assignment points at a missing channel",
			slog.String("host_id", hostID),
			slog.String("channel_id", asg.ChannelID))
		return nil, oops.Wrapf(ErrChannelRecordMissing, "host %s, channel %s", hostID, asg.ChannelID)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Reserve moves an IDLE channel to LIVE under sessionID. A LIVE channel
// yields *ChannelConflictError naming the owning session; an OFFLINE
// channel yields ErrChannelOffline. Reserving a channel already held by
// sessionID is a no-op.
//
// The pool limit is re-checked after the write: if more than maxActive
// channels are LIVE the reservation is undone and ErrCapacityExceeded is
// returned. Every reservation that survives its own count therefore saw
// all earlier ones, so concurrent creators can never overfill the pool.
func (a *Allocator) Reserve(ctx context.Context, channelID, sessionID string) (*PersistentChannel, error) {
	var (
		reserved  bool
		prevStart *time.Time
	)
	ch, err := updateChannel(ctx, a.store, channelID, func(ch *PersistentChannel) error {
		reserved = false
		switch ch.State {
		case ChannelLive:
			if ch.CurrentSessionID == sessionID {
				return errSkipWrite
			}
			return &ChannelConflictError{ChannelID: ch.ID, SessionID: ch.CurrentSessionID}
		case ChannelOffline:
			return oops.Wrapf(ErrChannelOffline, "channel %s", ch.ID)
		case ChannelIdle:
		default:
			return oops.Wrapf(ErrInvalidTransition, "channel %s in unknown state %q", ch.ID, ch.State)
		}

		now := a.now().UTC()
		prevStart = ch.Usage.LastStartedAt
		ch.State = ChannelLive
		ch.CurrentSessionID = sessionID
		ch.UpdatedAt = now
		ch.Usage.SessionCount++
		ch.Usage.LastStartedAt = &now
		reserved = true
		return nil
	})
	if err != nil || !reserved {
		return ch, err
	}

	n, err := a.CountActive(ctx)
	if err == nil && n <= a.maxActive {
		return ch, nil
	}
	if uerr := a.unreserve(context.WithoutCancel(ctx), channelID, sessionID, prevStart); uerr != nil {
		a.log.Error("undoing over-capacity reservation failed",
			slog.String("channel_id", channelID),
			slog.String("session_id", sessionID),
			slog.Any("error", uerr))
	}
	if err != nil {
		return nil, err
	}
	return nil, oops.Wrapf(ErrCapacityExceeded, "%d of %d channels live", n, a.maxActive)
}

// unreserve reverts a reservation made by Reserve, including its usage
// bookkeeping, as long as sessionID still holds the channel.
func (a *Allocator) unreserve(ctx context.Context, channelID, sessionID string, prevStart *time.Time) error {
	_, err := updateChannel(ctx, a.store, channelID, func(ch *PersistentChannel) error {
		if ch.CurrentSessionID != sessionID {
			return errSkipWrite
		}
		if ch.State == ChannelLive {
			ch.State = ChannelIdle
		}
		ch.CurrentSessionID = ""
		if ch.Usage.SessionCount > 0 {
			ch.Usage.SessionCount--
		}
		ch.Usage.LastStartedAt = prevStart
		ch.UpdatedAt = a.now().UTC()
		return nil
	})
	return err
}

// Release returns a channel held by sessionID to IDLE and clears its
// session. A channel held by another session, or by none, is left alone.
// An OFFLINE channel keeps its state and only loses the session reference.
// It reports whether the record changed.
func (a *Allocator) Release(ctx context.Context, channelID, sessionID string) (bool, error) {
	changed := false
	_, err := updateChannel(ctx, a.store, channelID, func(ch *PersistentChannel) error {
		if ch.CurrentSessionID != sessionID || sessionID == "" {
			return errSkipWrite
		}
		now := a.now().UTC()
		if ch.State == ChannelLive {
			ch.State = ChannelIdle
		}
		if ch.Usage.LastStartedAt != nil {
			ch.Usage.LiveSeconds += int64(now.Sub(*ch.Usage.LastStartedAt).Seconds())
		}
		ch.Usage.LastEndedAt = &now
		ch.CurrentSessionID = ""
		ch.UpdatedAt = now
		changed = true
		return nil
	})
	return changed, err
}

// SetOffline is the administrative override, valid from any state. The
// session reference is kept so the owning session can still be torn down.
func (a *Allocator) SetOffline(ctx context.Context, channelID string) (*PersistentChannel, error) {
	return updateChannel(ctx, a.store, channelID, func(ch *PersistentChannel) error {
		if ch.State == ChannelOffline {
			return errSkipWrite
		}
		ch.State = ChannelOffline
		ch.UpdatedAt = a.now().UTC()
		return nil
	})
}

// SetOnline is the administrative exit from OFFLINE: back to LIVE when a
// session still references the channel, otherwise to IDLE.
func (a *Allocator) SetOnline(ctx context.Context, channelID string) (*PersistentChannel, error) {
	return updateChannel(ctx, a.store, channelID, func(ch *PersistentChannel) error {
		if ch.State != ChannelOffline {
			return oops.Wrapf(ErrInvalidTransition, "channel %s is %s, not OFFLINE", ch.ID, ch.State)
		}
		ch.State = ChannelIdle
		if ch.CurrentSessionID != "" {
			ch.State = ChannelLive
		}
		ch.UpdatedAt = a.now().UTC()
		return nil
	})
}

// Register creates a channel or updates its handle and name. State and
// usage of an existing channel are preserved.
func (a *Allocator) Register(ctx context.Context, id, handle, name string) (*PersistentChannel, error) {
	if id == "" || handle == "" {
		return nil, oops.Wrapf(ErrBadRequest, "channel id and handle are required")
	}
	now := a.now().UTC()
	_, err := a.store.GetChannel(ctx, id)
	if errors.Is(err, ErrNotFound) {
		ch, err := a.store.PutChannel(ctx, &PersistentChannel{
			ID:        id,
			Handle:    handle,
			Name:      name,
			State:     ChannelIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}, 0)
		if !errors.Is(err, ErrVersionMismatch) {
			return ch, err
		}
	} else if err != nil {
		return nil, err
	}
	return updateChannel(ctx, a.store, id, func(ch *PersistentChannel) error {
		if ch.Handle == handle && ch.Name == name {
			return errSkipWrite
		}
		ch.Handle = handle
		ch.Name = name
		ch.UpdatedAt = now
		return nil
	})
}

// Assign maps hostID to channelID. The channel must exist.
func (a *Allocator) Assign(ctx context.Context, hostID, channelID string) (*ChannelAssignment, error) {
	if hostID == "" || channelID == "" {
		return nil, oops.Wrapf(ErrBadRequest, "host id and channel id are required")
	}
	if _, err := a.store.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	asg := &ChannelAssignment{HostID: hostID, ChannelID: channelID, CreatedAt: now, UpdatedAt: now}
	if prev, err := a.store.GetAssignment(ctx, hostID); err == nil {
		asg.CreatedAt = prev.CreatedAt
	}
	if err := a.store.PutAssignment(ctx, asg); err != nil {
		return nil, err
	}
	return asg, nil
}

// Unassign revokes a host's access to its channel.
func (a *Allocator) Unassign(ctx context.Context, hostID string) error {
	return a.store.DeleteAssignment(ctx, hostID)
}
