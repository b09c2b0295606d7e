package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"session-orchestrator/internal/platform/metrics"
)

// DefaultHostTokenTTL is the validity window of the host's stage token.
const DefaultHostTokenTTL = 2 * time.Hour

// Creation steps, used in errors, logs and metrics.
const (
	stepShow       = "show_lookup"
	stepCapacity   = "capacity"
	stepResolve    = "resolve_channel"
	stepReserve    = "reserve_channel"
	stepRawStage   = "create_raw_stage"
	stepHostToken  = "mint_host_token"
	stepProgStage  = "create_program_stage"
	stepRelay      = "create_relay_channel"
	stepController = "launch_controller"
	stepPersist    = "persist_session"
)

// defaultAudioLevel is the host's initial program audio level.
const defaultAudioLevel = 1.0

// CreateResult is what a successful creation returns. HostToken is never
// persisted.
type CreateResult struct {
	Session   *LiveSession     `json:"session"`
	HostToken ParticipantToken `json:"hostToken"`
}

// Creator runs the ordered acquisition workflow for a new session.
type Creator struct {
	store     Store
	shows     ShowCatalog
	media     MediaPlatform
	launcher  Launcher
	allocator *Allocator
	log       *slog.Logger
	metrics   *metrics.Metrics
	tokenTTL  time.Duration
	now       func() time.Time
	newID     func() string
}

// Create provisions a session for hostID on showID. Steps up to and
// including the relay channel are mandatory: a failure there undoes what
// was acquired, returns the channel to IDLE and reports the step. The
// controller launch is best-effort and leaves an empty handle on failure.
func (c *Creator) Create(ctx context.Context, hostID, showID string) (*CreateResult, error) {
	if hostID == "" || showID == "" {
		return nil, oops.Wrapf(ErrBadRequest, "host id and show id are required")
	}

	exists, err := c.shows.ShowExists(ctx, showID)
	if err != nil {
		return nil, c.fail(stepShow, err)
	}
	if !exists {
		return nil, oops.Wrapf(ErrNotFound, "show %s", showID)
	}

	if err := c.allocator.CheckCapacity(ctx); err != nil {
		c.metrics.IncCreationFailures(stepCapacity)
		return nil, err
	}

	ch, err := c.allocator.ResolveForHost(ctx, hostID)
	if err != nil {
		c.metrics.IncCreationFailures(stepResolve)
		return nil, err
	}

	sessionID := c.newID()
	log := c.log.With(
		slog.String("session_id", sessionID),
		slog.String("host_id", hostID),
		slog.String("channel_id", ch.ID))

	// Reserve before touching the media platform so a concurrent creation
	// on the same channel fails the state check instead of racing past it.
	// The early capacity check above is only a fast path; Reserve is what
	// holds the pool to its limit.
	ch, err = c.allocator.Reserve(ctx, ch.ID, sessionID)
	if err != nil {
		step := stepReserve
		if errors.Is(err, ErrCapacityExceeded) {
			step = stepCapacity
		}
		c.metrics.IncCreationFailures(step)
		return nil, err
	}

	now := c.now().UTC()
	session := &LiveSession{
		ID:     sessionID,
		HostID: hostID,
		ShowID: showID,
		Status: SessionActive,
		Resources: ResourceBundle{
			ChannelID:     ch.ID,
			ChannelHandle: ch.Handle,
		},
		ProgramState: ProgramState{
			ActiveVideoSource: HostSource(),
			AudioLevels:       map[string]float64{HostSource().String(): defaultAudioLevel},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	res := &session.Resources
	if res.RawStage, err = c.media.CreateStage(ctx, sessionID+"-raw", StageRaw); err != nil {
		return nil, c.abort(ctx, log, session, stepRawStage, err)
	}

	token, err := c.media.CreateParticipantToken(ctx, TokenRequest{
		StageHandle: res.RawStage,
		UserID:      hostID,
		Publish:     true,
		Subscribe:   true,
		TTL:         c.tokenTTL,
		Attributes:  map[string]string{HostSource().Key(): "true"},
	})
	if err != nil {
		return nil, c.abort(ctx, log, session, stepHostToken, err)
	}

	if res.ProgramStage, err = c.media.CreateStage(ctx, sessionID+"-program", StageProgram); err != nil {
		return nil, c.abort(ctx, log, session, stepProgStage, err)
	}

	if res.RelayChannel, err = c.media.CreateRelayChannel(ctx, sessionID+"-relay"); err != nil {
		return nil, c.abort(ctx, log, session, stepRelay, err)
	}

	if res.Controller, err = c.launcher.Launch(ctx, sessionID); err != nil {
		res.Controller = ""
		c.metrics.IncControllerLaunchFailures()
		log.Warn("controller launch failed, session continues without controller",
			slog.Any("error", &UpstreamError{Step: stepController, Err: err}))
	}

	saved, err := c.store.PutSession(ctx, session, 0)
	if err != nil {
		return nil, c.abort(ctx, log, session, stepPersist, err)
	}

	c.metrics.IncSessionsCreated()
	log.Info("session created",
		slog.String("show_id", showID),
		slog.Bool("controller", saved.Resources.Controller != ""))

	return &CreateResult{Session: saved, HostToken: token}, nil
}

// abort undoes a partially created session: every acquired resource is
// released in reverse order, then the reservation is returned.
func (c *Creator) abort(ctx context.Context, log *slog.Logger, s *LiveSession, step string, cause error) error {
	log.Error("session creation failed, rolling back",
		slog.String("step", step),
		slog.Any("error", cause))

	// Rollback must run even if the request context was cancelled.
	rctx := context.WithoutCancel(ctx)
	res := s.Resources
	report := releaseAll(rctx, log, countReleaseFailure(c.metrics), []releaseStep{
		{kind: ResourceController, handle: res.Controller, release: func(ctx context.Context, h string) error {
			return c.launcher.Stop(ctx, h, "session creation rolled back")
		}},
		{kind: ResourceRelayChannel, handle: res.RelayChannel, release: c.media.DeleteChannel},
		{kind: ResourceProgramStage, handle: res.ProgramStage, release: c.media.DeleteStage},
		{kind: ResourceRawStage, handle: res.RawStage, release: c.media.DeleteStage},
		{kind: ResourceChannelState, handle: res.ChannelID, release: func(ctx context.Context, id string) error {
			_, err := c.allocator.Release(ctx, id, s.ID)
			return err
		}},
	})
	if !report.OK() {
		log.Error("rollback left resources behind", slog.Any("failed", report.Failed))
	}

	return c.fail(step, cause)
}

func (c *Creator) fail(step string, cause error) error {
	c.metrics.IncCreationFailures(step)
	var upstream *UpstreamError
	if errors.As(cause, &upstream) {
		return cause
	}
	return &UpstreamError{Step: step, Fatal: true, Err: oops.Wrapf(cause, "%s", step)}
}
