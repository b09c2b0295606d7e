package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"session-orchestrator/internal/platform/metrics"
)

// Controller loop defaults.
const (
	DefaultPollWait       = 20 * time.Second
	DefaultStartupTimeout = 20 * time.Second
	DefaultRetryInterval  = time.Second
)

const startupPollInterval = 500 * time.Millisecond

// errSessionEnded stops a composition write for a session that left ACTIVE.
var errSessionEnded = errors.New("session no longer active")

// ControllerConfig tunes the controller loop. Zero values use the defaults.
type ControllerConfig struct {
	// PollWait bounds a single long-poll on the command queue.
	PollWait time.Duration
	// StartupTimeout bounds how long the controller waits for the session
	// record to appear.
	StartupTimeout time.Duration
	// RetryInterval paces processing after an error.
	RetryInterval time.Duration
}

// Controller is the per-session background process. It consumes control
// commands and keeps the session's composition featuring the persisted
// active source.
type Controller struct {
	store          Store
	queue          CommandQueue
	media          MediaPlatform
	log            *slog.Logger
	metrics        *metrics.Metrics
	pollWait       time.Duration
	startupTimeout time.Duration
	limiter        *rate.Limiter

	// featured is the source the composition this process started shows.
	// It is only trusted while composition matches the record.
	featured    Source
	composition string
}

// NewController returns a Controller.
func NewController(store Store, queue CommandQueue, media MediaPlatform, log *slog.Logger, m *metrics.Metrics, cfg ControllerConfig) *Controller {
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Controller{
		store:          store,
		queue:          queue,
		media:          media,
		log:            log,
		metrics:        m,
		pollWait:       cfg.PollWait,
		startupTimeout: cfg.StartupTimeout,
		limiter:        rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
	}
}

// Run drives the loop for sessionID until ctx is cancelled, which is the
// only clean exit. A session that never appears or that lacks a stage is
// reported as an error straight away.
func (c *Controller) Run(ctx context.Context, sessionID string) error {
	log := c.log.With(slog.String("session_id", sessionID))

	session, err := c.awaitSession(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if session.Resources.RawStage == "" || session.Resources.ProgramStage == "" {
		return oops.Wrapf(ErrMissingStages, "session %s", sessionID)
	}

	log.Info("controller started", slog.String("status", string(session.Status)))
	if session.Status == SessionActive && session.Resources.Composition == "" {
		if err := c.apply(ctx, log, session); err != nil {
			log.Warn("initial composition failed, will retry on next command", slog.Any("error", err))
		}
	}

	for {
		if ctx.Err() != nil {
			log.Info("controller stopped")
			return nil
		}

		d, err := c.queue.Receive(ctx, sessionID, c.pollWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("command receive failed", slog.Any("error", err))
			c.pace(ctx)
			continue
		}
		if d == nil {
			continue
		}

		if err := c.handle(ctx, log, sessionID, d); err != nil {
			// Left in the queue; it reappears after the visibility timeout.
			log.Warn("command processing failed",
				slog.String("command_id", d.Command.ID),
				slog.Any("error", err))
			c.pace(ctx)
			continue
		}
		if err := c.queue.Delete(ctx, sessionID, d.Receipt); err != nil {
			log.Warn("command delete failed, expect a redelivery",
				slog.String("command_id", d.Command.ID),
				slog.Any("error", err))
		}
	}
}

// handle processes one delivery. A nil return means the message is done
// with and may be deleted.
func (c *Controller) handle(ctx context.Context, log *slog.Logger, sessionID string, d *Delivery) error {
	cmd := d.Command
	log = log.With(slog.String("command_id", cmd.ID))

	if cmd.SessionID != sessionID {
		log.Warn("discarding command addressed to another session", slog.String("addressed_to", cmd.SessionID))
		return nil
	}
	if cmd.Action != ActionSwitchSource {
		log.Warn("discarding command with unknown action", slog.String("action", string(cmd.Action)))
		return nil
	}

	// The target comes from the record, not the message: commands may arrive
	// duplicated or out of order and the record holds the last write.
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != SessionActive {
		log.Info("discarding command for inactive session", slog.String("status", string(session.Status)))
		return nil
	}
	target := session.ProgramState.ActiveVideoSource
	if session.Resources.Composition != "" && session.Resources.Composition == c.composition && c.featured == target {
		log.Debug("source already applied", slog.String("source", target.String()))
		return nil
	}
	return c.apply(ctx, log, session)
}

// apply replaces the session's composition with one featuring the
// persisted active source.
func (c *Controller) apply(ctx context.Context, log *slog.Logger, session *LiveSession) error {
	target := session.ProgramState.ActiveVideoSource
	old := session.Resources.Composition

	// A channel takes a single composition, so the old one goes first.
	if old != "" {
		if err := c.media.StopComposition(ctx, old); err != nil {
			return &UpstreamError{Step: "stop_composition", Err: err}
		}
		c.composition = ""
	}

	handle, err := c.media.StartComposition(ctx, CompositionRequest{
		StageHandle:   session.Resources.RawStage,
		ChannelHandle: session.Resources.RelayChannel,
		Featured:      target,
	})
	if err != nil {
		if old != "" {
			if perr := c.setComposition(ctx, session.ID, old, ""); perr != nil && !errors.Is(perr, errSessionEnded) {
				log.Error("could not clear stopped composition", slog.Any("error", perr))
			}
		}
		return &UpstreamError{Step: "start_composition", Err: err}
	}

	if err := c.setComposition(ctx, session.ID, old, handle); err != nil {
		if serr := c.media.StopComposition(context.WithoutCancel(ctx), handle); serr != nil {
			log.Error("orphaned composition", slog.String("composition", handle), slog.Any("error", serr))
		}
		if errors.Is(err, errSessionEnded) {
			log.Info("session ended while switching, composition discarded")
			return nil
		}
		return err
	}

	c.composition = handle
	c.featured = target
	c.metrics.IncCommandsApplied()
	log.Info("program source applied",
		slog.String("source", target.String()),
		slog.String("composition", handle))
	return nil
}

// setComposition records handle as the session's composition, replacing
// old. It refuses once the session is no longer ACTIVE.
func (c *Controller) setComposition(ctx context.Context, sessionID, old, handle string) error {
	_, err := updateSession(ctx, c.store, sessionID, func(s *LiveSession) error {
		if s.Status != SessionActive {
			return errSessionEnded
		}
		if s.Resources.Composition != old {
			return oops.Wrapf(ErrConflict, "composition of session %s changed concurrently", sessionID)
		}
		s.Resources.Composition = handle
		s.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

// awaitSession loads the session, waiting up to the startup timeout for a
// record that is not yet visible.
func (c *Controller) awaitSession(ctx context.Context, sessionID string) (*LiveSession, error) {
	ctx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	ticker := time.NewTicker(startupPollInterval)
	defer ticker.Stop()
	for {
		session, err := c.store.GetSession(ctx, sessionID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, oops.Wrapf(err, "session %s did not appear within %s", sessionID, c.startupTimeout)
		case <-ticker.C:
		}
	}
}

// pace blocks until the retry limiter allows another attempt.
func (c *Controller) pace(ctx context.Context) {
	_ = c.limiter.Wait(ctx)
}
