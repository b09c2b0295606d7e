package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"session-orchestrator/internal/platform/metrics"
)

// Deps are the collaborators a Service is built from. Metrics may be nil.
type Deps struct {
	Store    Store
	Shows    ShowCatalog
	Media    MediaPlatform
	Queue    CommandQueue
	Launcher Launcher
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	// Now and NewID default to time.Now and uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// Options tunes a Service. Zero values use the package defaults.
type Options struct {
	MaxActiveSessions int
	HostTokenTTL      time.Duration
	ReconcileInterval time.Duration
	ReservationGrace  time.Duration
}

// Service is the orchestrator's public surface: session lifecycle, program
// control and channel administration.
type Service struct {
	store      Store
	shows      ShowCatalog
	log        *slog.Logger
	allocator  *Allocator
	creator    *Creator
	router     *Router
	teardown   *Teardown
	reconciler *Reconciler
}

// NewService wires the orchestrator components around d.
func NewService(d Deps, opts Options) *Service {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if opts.HostTokenTTL <= 0 {
		opts.HostTokenTTL = DefaultHostTokenTTL
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.ReservationGrace <= 0 {
		opts.ReservationGrace = DefaultReservationGrace
	}

	allocator := NewAllocator(d.Store, d.Log, opts.MaxActiveSessions, d.Now)
	teardown := &Teardown{
		store:     d.Store,
		media:     d.Media,
		launcher:  d.Launcher,
		queue:     d.Queue,
		allocator: allocator,
		log:       d.Log,
		metrics:   d.Metrics,
		now:       d.Now,
	}
	return &Service{
		store:     d.Store,
		shows:     d.Shows,
		log:       d.Log,
		allocator: allocator,
		creator: &Creator{
			store:     d.Store,
			shows:     d.Shows,
			media:     d.Media,
			launcher:  d.Launcher,
			allocator: allocator,
			log:       d.Log,
			metrics:   d.Metrics,
			tokenTTL:  opts.HostTokenTTL,
			now:       d.Now,
			newID:     d.NewID,
		},
		router: &Router{
			store:   d.Store,
			queue:   d.Queue,
			log:     d.Log,
			metrics: d.Metrics,
			now:     d.Now,
		},
		teardown: teardown,
		reconciler: &Reconciler{
			store:     d.Store,
			allocator: allocator,
			teardown:  teardown,
			log:       d.Log,
			metrics:   d.Metrics,
			interval:  opts.ReconcileInterval,
			grace:     opts.ReservationGrace,
			now:       d.Now,
		},
	}
}

// CreateSession provisions a new session for hostID on showID.
func (s *Service) CreateSession(ctx context.Context, hostID, showID string) (*CreateResult, error) {
	return s.creator.Create(ctx, hostID, showID)
}

// GetSession returns a session owned by actorID.
func (s *Service) GetSession(ctx context.Context, sessionID, actorID string) (*LiveSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.HostID != actorID {
		return nil, oops.Wrapf(ErrForbidden, "actor %q does not own session %s", actorID, sessionID)
	}
	return session, nil
}

// SwitchSource changes the program's active video source.
func (s *Service) SwitchSource(ctx context.Context, sessionID, actorID, sourceID string) (*SwitchResult, error) {
	return s.router.SwitchSource(ctx, sessionID, actorID, sourceID)
}

// SetAudioLevel sets a source's program audio level.
func (s *Service) SetAudioLevel(ctx context.Context, sessionID, actorID, sourceID string, level float64) (*SwitchResult, error) {
	return s.router.SetAudioLevel(ctx, sessionID, actorID, sourceID, level)
}

// ResyncProgram re-sends the persisted program source to the controller.
func (s *Service) ResyncProgram(ctx context.Context, sessionID, actorID string) (*SwitchResult, error) {
	return s.router.Resync(ctx, sessionID, actorID)
}

// EndSession tears the session down and marks it ENDED.
func (s *Service) EndSession(ctx context.Context, sessionID string) (*EndResult, error) {
	return s.teardown.Run(ctx, sessionID, SessionEnded)
}

// CompleteSession tears the session down and marks it COMPLETED, the
// status for a broadcast that ran to its scheduled end.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (*EndResult, error) {
	return s.teardown.Run(ctx, sessionID, SessionCompleted)
}

// ListChannels returns every channel in the pool.
func (s *Service) ListChannels(ctx context.Context) ([]*PersistentChannel, error) {
	return s.store.ListChannels(ctx)
}

// RegisterChannel adds a channel to the pool or renames it.
func (s *Service) RegisterChannel(ctx context.Context, id, handle, name string) (*PersistentChannel, error) {
	return s.allocator.Register(ctx, id, handle, name)
}

// SetChannelOffline takes a channel out of allocation.
func (s *Service) SetChannelOffline(ctx context.Context, channelID string) (*PersistentChannel, error) {
	ch, err := s.allocator.SetOffline(ctx, channelID)
	if err == nil {
		s.log.Info("channel set offline", slog.String("channel_id", channelID))
	}
	return ch, err
}

// SetChannelOnline returns an OFFLINE channel to service.
func (s *Service) SetChannelOnline(ctx context.Context, channelID string) (*PersistentChannel, error) {
	ch, err := s.allocator.SetOnline(ctx, channelID)
	if err == nil {
		s.log.Info("channel back online",
			slog.String("channel_id", channelID),
			slog.String("state", string(ch.State)))
	}
	return ch, err
}

// AssignChannel maps a host to a channel.
func (s *Service) AssignChannel(ctx context.Context, hostID, channelID string) (*ChannelAssignment, error) {
	return s.allocator.Assign(ctx, hostID, channelID)
}

// UnassignChannel revokes a host's channel.
func (s *Service) UnassignChannel(ctx context.Context, hostID string) error {
	return s.allocator.Unassign(ctx, hostID)
}

// ActiveSessions returns the number of sessions in ACTIVE status.
func (s *Service) ActiveSessions(ctx context.Context) (int, error) {
	active, err := s.store.ListSessionsByStatus(ctx, SessionActive)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// ApplySeed loads administrative bootstrap data.
func (s *Service) ApplySeed(ctx context.Context, seed *Seed) error {
	registry, _ := s.shows.(ShowRegistry)
	if err := seed.apply(ctx, s.allocator, registry); err != nil {
		return err
	}
	s.log.Info("seed applied",
		slog.Int("channels", len(seed.Channels)),
		slog.Int("assignments", len(seed.Assignments)),
		slog.Int("shows", len(seed.Shows)))
	return nil
}

// Reconcile runs one reconciliation pass.
func (s *Service) Reconcile(ctx context.Context) (SweepReport, error) {
	return s.reconciler.Sweep(ctx)
}

// RunReconciler reconciles periodically until ctx is cancelled.
func (s *Service) RunReconciler(ctx context.Context) {
	s.reconciler.Run(ctx)
}
