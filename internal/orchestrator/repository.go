package orchestrator

import (
	"context"
	"errors"

	"github.com/samber/oops"
)

// maxWriteAttempts bounds optimistic retries when concurrent writers keep
// bumping a record's version.
const maxWriteAttempts = 8

// errSkipWrite lets a mutate function signal "nothing to change".
var errSkipWrite = errors.New("skip write")

// updateSession applies mutate to the latest stored copy of a session and
// writes it back conditionally, retrying on version conflicts. mutate may
// return errSkipWrite to leave the record untouched; the returned session
// is then the unmodified latest copy.
func updateSession(ctx context.Context, store Store, id string, mutate func(*LiveSession) error) (*LiveSession, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := store.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, errSkipWrite) {
				return current, nil
			}
			return nil, err
		}
		saved, err := store.PutSession(ctx, next, current.Version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return saved, nil
	}
	return nil, oops.Wrapf(ErrVersionMismatch, "session %s: too many concurrent writers", id)
}

// updateChannel is updateSession for channel records.
func updateChannel(ctx context.Context, store Store, id string, mutate func(*PersistentChannel) error) (*PersistentChannel, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := store.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			if errors.Is(err, errSkipWrite) {
				return current, nil
			}
			return nil, err
		}
		saved, err := store.PutChannel(ctx, next, current.Version)
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return saved, nil
	}
	return nil, oops.Wrapf(ErrVersionMismatch, "channel %s: too many concurrent writers", id)
}
