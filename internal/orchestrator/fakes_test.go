package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeMedia records every call and fails the operations listed in fail.
type fakeMedia struct {
	mu           sync.Mutex
	n            int
	calls        []string
	fail         map[string]error
	stages       map[string]StageKind
	channels     map[string]bool
	compositions map[string]CompositionRequest
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		fail:         map[string]error{},
		stages:       map[string]StageKind{},
		channels:     map[string]bool{},
		compositions: map[string]CompositionRequest{},
	}
}

func (m *fakeMedia) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *fakeMedia) record(op, arg string) error {
	m.calls = append(m.calls, op+" "+arg)
	return m.fail[op]
}

func (m *fakeMedia) next(prefix string) string {
	m.n++
	return fmt.Sprintf("%s-%d", prefix, m.n)
}

func (m *fakeMedia) CreateStage(_ context.Context, name string, kind StageKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateStage", string(kind)); err != nil {
		return "", err
	}
	if err := m.fail["CreateStage:"+string(kind)]; err != nil {
		return "", err
	}
	h := m.next("stage-" + string(kind))
	m.stages[h] = kind
	return h, nil
}

func (m *fakeMedia) DeleteStage(_ context.Context, h string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteStage", h); err != nil {
		return err
	}
	if err := m.fail["DeleteStage:"+string(m.stages[h])]; err != nil {
		return err
	}
	delete(m.stages, h)
	return nil
}

func (m *fakeMedia) CreateParticipantToken(_ context.Context, req TokenRequest) (ParticipantToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateParticipantToken", req.StageHandle); err != nil {
		return ParticipantToken{}, err
	}
	return ParticipantToken{Token: m.next("token"), ParticipantID: req.UserID, ExpiresAt: time.Now().Add(req.TTL)}, nil
}

func (m *fakeMedia) CreateRelayChannel(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateRelayChannel", name); err != nil {
		return "", err
	}
	h := m.next("relay")
	m.channels[h] = true
	return h, nil
}

func (m *fakeMedia) DeleteChannel(_ context.Context, h string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteChannel", h); err != nil {
		return err
	}
	delete(m.channels, h)
	return nil
}

func (m *fakeMedia) StartComposition(_ context.Context, req CompositionRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StartComposition", req.Featured.String()); err != nil {
		return "", err
	}
	h := m.next("composition")
	m.compositions[h] = req
	return h, nil
}

func (m *fakeMedia) StopComposition(_ context.Context, h string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("StopComposition", h); err != nil {
		return err
	}
	delete(m.compositions, h)
	return nil
}

// live returns how many resources currently exist.
func (m *fakeMedia) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stages) + len(m.channels) + len(m.compositions)
}

func (m *fakeMedia) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *fakeMedia) featured(h string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compositions[h]
	return c.Featured, ok
}

type fakeLauncher struct {
	mu        sync.Mutex
	n         int
	launchErr error
	stopErr   error
	running   map[string]string
	stopped   []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{running: map[string]string{}}
}

func (l *fakeLauncher) Launch(_ context.Context, sessionID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return "", l.launchErr
	}
	l.n++
	h := fmt.Sprintf("ctrl-%d", l.n)
	l.running[h] = sessionID
	return h, nil
}

func (l *fakeLauncher) Stop(_ context.Context, h, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopErr != nil {
		return l.stopErr
	}
	delete(l.running, h)
	l.stopped = append(l.stopped, h)
	return nil
}

// failingQueue wraps a queue and fails Send while sendErr is set.
type failingQueue struct {
	*MemoryQueue
	sendErr error
	dropErr error
}

func (q *failingQueue) Send(ctx context.Context, cmd ControlCommand) error {
	if q.sendErr != nil {
		return q.sendErr
	}
	return q.MemoryQueue.Send(ctx, cmd)
}

func (q *failingQueue) Drop(ctx context.Context, sessionID string) error {
	if q.dropErr != nil {
		return q.dropErr
	}
	return q.MemoryQueue.Drop(ctx, sessionID)
}

type fixture struct {
	store    *MemoryStore
	queue    *failingQueue
	media    *fakeMedia
	launcher *fakeLauncher
	svc      *Service
	now      time.Time
	log      *slog.Logger
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture returns a service with channel c1 assigned to host h1 and
// show show1.
func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		queue:    &failingQueue{MemoryQueue: NewMemoryQueue(time.Second)},
		media:    newFakeMedia(),
		launcher: newFakeLauncher(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		log:      testLogger(),
	}
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	var ids atomic.Int64
	f.svc = NewService(Deps{
		Store:    f.store,
		Shows:    f.store,
		Media:    f.media,
		Queue:    f.queue,
		Launcher: f.launcher,
		Log:      f.log,
		Now:      func() time.Time { return f.now },
		NewID: func() string {
			return fmt.Sprintf("s%d", ids.Add(1))
		},
	}, o)

	ctx := context.Background()
	_, err := f.svc.RegisterChannel(ctx, "c1", "arn:channel/c1", "Studio 1")
	require.NoError(t, err)
	_, err = f.svc.AssignChannel(ctx, "h1", "c1")
	require.NoError(t, err)
	require.NoError(t, f.store.PutShow(ctx, "show1"))
	return f
}

func (f *fixture) channel(t *testing.T, id string) *PersistentChannel {
	t.Helper()
	ch, err := f.store.GetChannel(context.Background(), id)
	require.NoError(t, err)
	return ch
}

func (f *fixture) session(t *testing.T, id string) *LiveSession {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) create(t *testing.T) *LiveSession {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), "h1", "show1")
	require.NoError(t, err)
	return res.Session
}
