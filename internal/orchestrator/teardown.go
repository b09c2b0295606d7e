package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"session-orchestrator/internal/platform/metrics"
)

// EndResult is the outcome of a teardown. Cleaned is always true for an
// existing session; Unreleased lists the external resources that are
// still referenced by the record and will be retried by the next teardown
// or by the reconciler.
type EndResult struct {
	SessionID  string           `json:"sessionId"`
	Status     SessionStatus    `json:"status"`
	Cleaned    bool             `json:"cleaned"`
	Released   []ResourceKind   `json:"released,omitempty"`
	Unreleased []ReleaseFailure `json:"unreleased,omitempty"`
}

// Teardown releases everything a session holds and returns its channel.
type Teardown struct {
	store     Store
	media     MediaPlatform
	launcher  Launcher
	queue     CommandQueue
	allocator *Allocator
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Run tears down sessionID and leaves it in final, which must be ENDED or
// COMPLETED. A session already in a terminal state keeps it. Running it
// again on the same session finds nothing left to release.
func (t *Teardown) Run(ctx context.Context, sessionID string, final SessionStatus) (*EndResult, error) {
	if !final.Terminal() {
		return nil, oops.Wrapf(ErrBadRequest, "teardown status %q is not terminal", final)
	}

	// The status goes terminal first: the router then rejects new commands
	// and a running controller stops applying them.
	transitioned := false
	session, err := updateSession(ctx, t.store, sessionID, func(s *LiveSession) error {
		if s.Status.Terminal() {
			return errSkipWrite
		}
		now := t.now().UTC()
		s.Status = final
		s.UpdatedAt = now
		s.EndedAt = &now
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := t.log.With(
		slog.String("session_id", sessionID),
		slog.String("channel_id", session.Resources.ChannelID))

	// Release must finish even if the caller goes away.
	rctx := context.WithoutCancel(ctx)
	res := session.Resources
	report := releaseAll(rctx, log, countReleaseFailure(t.metrics), []releaseStep{
		{kind: ResourceController, handle: res.Controller, release: func(ctx context.Context, h string) error {
			return t.launcher.Stop(ctx, h, "session ended")
		}},
		{kind: ResourceCommandQueue, handle: queueHandle(session), release: t.queue.Drop},
		{kind: ResourceComposition, handle: res.Composition, release: t.media.StopComposition},
		{kind: ResourceRelayChannel, handle: res.RelayChannel, release: t.media.DeleteChannel},
		{kind: ResourceProgramStage, handle: res.ProgramStage, release: t.media.DeleteStage},
		{kind: ResourceRawStage, handle: res.RawStage, release: t.media.DeleteStage},
		{kind: ResourceChannelState, handle: res.ChannelID, release: func(ctx context.Context, id string) error {
			_, err := t.allocator.Release(ctx, id, sessionID)
			if errors.Is(err, ErrNotFound) {
				log.Warn("channel record gone, nothing to release")
				return nil
			}
			return err
		}},
	})

	if len(report.Released) > 0 {
		updated, err := updateSession(rctx, t.store, sessionID, func(s *LiveSession) error {
			cleared := clearReleased(&s.Resources, res, report)
			if !cleared {
				return errSkipWrite
			}
			s.UpdatedAt = t.now().UTC()
			return nil
		})
		if err != nil {
			// The external resources are gone; the record still names them
			// and the next pass will find them already released. The
			// session is terminal either way, so the caller still gets
			// the report.
			log.Error("could not clear released references", slog.Any("error", err))
		} else {
			session = updated
		}
	}

	if transitioned {
		t.metrics.IncSessionsEnded(string(session.Status))
	}
	if report.OK() {
		log.Info("session torn down", slog.String("status", string(session.Status)))
	} else {
		log.Warn("session torn down with unreleased resources",
			slog.String("status", string(session.Status)),
			slog.Int("unreleased", len(report.Failed)))
	}

	return &EndResult{
		SessionID:  sessionID,
		Status:     session.Status,
		Cleaned:    true,
		Released:   report.Released,
		Unreleased: report.Failed,
	}, nil
}

// queueHandle returns the command queue to drop. It is the session itself
// while any media resource is still referenced, so a repeated teardown of a
// fully released session skips the queue.
func queueHandle(s *LiveSession) string {
	if !s.Resources.Held() {
		return ""
	}
	return s.ID
}

// clearReleased empties every reference in b that was released and still
// holds the handle that was released. A handle replaced meanwhile (for
// example a composition restarted by the controller) is kept.
func clearReleased(b *ResourceBundle, was ResourceBundle, report ReleaseReport) bool {
	cleared := false
	drop := func(kind ResourceKind, field *string, old string) {
		if report.released(kind) && *field == old && old != "" {
			*field = ""
			cleared = true
		}
	}
	drop(ResourceController, &b.Controller, was.Controller)
	drop(ResourceComposition, &b.Composition, was.Composition)
	drop(ResourceRelayChannel, &b.RelayChannel, was.RelayChannel)
	drop(ResourceProgramStage, &b.ProgramStage, was.ProgramStage)
	drop(ResourceRawStage, &b.RawStage, was.RawStage)
	return cleared
}
