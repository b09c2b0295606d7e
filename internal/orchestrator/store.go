package orchestrator

import "context"

// Store is the durable record store abstraction.
// Implementations can be in-memory or remote; all writes of channels and
// sessions are conditional on the caller's expected Version (0 = create).
// A successful write stores and returns the record with Version+1.
type Store interface {
	GetChannel(ctx context.Context, id string) (*PersistentChannel, error)
	PutChannel(ctx context.Context, ch *PersistentChannel, expectVersion int64) (*PersistentChannel, error)
	ListChannels(ctx context.Context) ([]*PersistentChannel, error)
	ListChannelsByState(ctx context.Context, state ChannelState) ([]*PersistentChannel, error)

	GetAssignment(ctx context.Context, hostID string) (*ChannelAssignment, error)
	PutAssignment(ctx context.Context, a *ChannelAssignment) error
	DeleteAssignment(ctx context.Context, hostID string) error

	GetSession(ctx context.Context, id string) (*LiveSession, error)
	PutSession(ctx context.Context, s *LiveSession, expectVersion int64) (*LiveSession, error)
	ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]*LiveSession, error)
}
