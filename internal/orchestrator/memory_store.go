package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// MemoryStore is a concurrency-safe in-memory implementation of Store and
// ShowCatalog. Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	channels    map[string]*PersistentChannel
	assignments map[string]*ChannelAssignment
	sessions    map[string]*LiveSession
	shows       map[string]struct{}
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ ShowRegistry = (*MemoryStore)(nil)
)

// NewMemoryStore returns a new empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels:    make(map[string]*PersistentChannel),
		assignments: make(map[string]*ChannelAssignment),
		sessions:    make(map[string]*LiveSession),
		shows:       make(map[string]struct{}),
	}
}

// GetChannel implements Store.GetChannel.
func (m *MemoryStore) GetChannel(_ context.Context, id string) (*PersistentChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, ok := m.channels[id]
	if !ok {
		return nil, oops.Wrapf(ErrNotFound, "channel %s", id)
	}
	return ch.Clone(), nil
}

// PutChannel implements Store.PutChannel.
func (m *MemoryStore) PutChannel(_ context.Context, ch *PersistentChannel, expectVersion int64) (*PersistentChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkVersion(m.channels[ch.ID] != nil, currentChannelVersion(m.channels[ch.ID]), expectVersion); err != nil {
		return nil, oops.Wrapf(err, "channel %s", ch.ID)
	}
	stored := ch.Clone()
	stored.Version = expectVersion + 1
	m.channels[ch.ID] = stored
	return stored.Clone(), nil
}

// ListChannels implements Store.ListChannels.
func (m *MemoryStore) ListChannels(_ context.Context) ([]*PersistentChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*PersistentChannel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListChannelsByState implements Store.ListChannelsByState.
func (m *MemoryStore) ListChannelsByState(ctx context.Context, state ChannelState) ([]*PersistentChannel, error) {
	all, _ := m.ListChannels(ctx)
	out := all[:0]
	for _, ch := range all {
		if ch.State == state {
			out = append(out, ch)
		}
	}
	return out, nil
}

// GetAssignment implements Store.GetAssignment.
func (m *MemoryStore) GetAssignment(_ context.Context, hostID string) (*ChannelAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[hostID]
	if !ok {
		return nil, oops.Wrapf(ErrNotFound, "assignment for host %s", hostID)
	}
	cp := *a
	return &cp, nil
}

// PutAssignment implements Store.PutAssignment.
func (m *MemoryStore) PutAssignment(_ context.Context, a *ChannelAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.assignments[a.HostID] = &cp
	return nil
}

// DeleteAssignment implements Store.DeleteAssignment. Deleting a missing
// assignment is a no-op.
func (m *MemoryStore) DeleteAssignment(_ context.Context, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.assignments, hostID)
	return nil
}

// GetSession implements Store.GetSession.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*LiveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, oops.Wrapf(ErrNotFound, "session %s", id)
	}
	return s.Clone(), nil
}

// PutSession implements Store.PutSession.
func (m *MemoryStore) PutSession(_ context.Context, s *LiveSession, expectVersion int64) (*LiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.sessions[s.ID]
	var current int64
	if existing != nil {
		current = existing.Version
	}
	if err := checkVersion(existing != nil, current, expectVersion); err != nil {
		return nil, oops.Wrapf(err, "session %s", s.ID)
	}
	stored := s.Clone()
	stored.Version = expectVersion + 1
	m.sessions[s.ID] = stored
	return stored.Clone(), nil
}

// ListSessionsByStatus implements Store.ListSessionsByStatus.
func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status SessionStatus) ([]*LiveSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LiveSession
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutShow implements ShowRegistry.PutShow.
func (m *MemoryStore) PutShow(_ context.Context, showID string) error {
	if showID == "" {
		return oops.Wrapf(ErrBadRequest, "show id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shows[showID] = struct{}{}
	return nil
}

// ShowExists implements ShowCatalog.ShowExists.
func (m *MemoryStore) ShowExists(_ context.Context, showID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.shows[showID]
	return ok, nil
}

// ActiveSessionCount returns the number of ACTIVE sessions. Used for metrics.
func (m *MemoryStore) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.Status == SessionActive {
			n++
		}
	}
	return n
}

func currentChannelVersion(ch *PersistentChannel) int64 {
	if ch == nil {
		return 0
	}
	return ch.Version
}

// checkVersion enforces compare-and-swap semantics: expect 0 to create,
// otherwise the stored version.
func checkVersion(exists bool, current, expect int64) error {
	if expect == 0 {
		if exists {
			return ErrVersionMismatch
		}
		return nil
	}
	if !exists || current != expect {
		return ErrVersionMismatch
	}
	return nil
}
