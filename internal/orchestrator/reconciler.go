package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"session-orchestrator/internal/platform/metrics"
)

// Reconciler defaults.
const (
	DefaultReconcileInterval = time.Minute
	DefaultReservationGrace  = 10 * time.Minute
)

// Reconcile kinds, as reported in metrics.
const (
	reconcileOrphanedChannel = "orphaned_channel"
	reconcileStaleChannel    = "stale_channel"
	reconcileUnreleased      = "unreleased_resources"
)

// SweepReport counts what one reconciliation pass repaired.
type SweepReport struct {
	OrphanedChannels int
	StaleChannels    int
	RetriedSessions  int
}

// Reconciler periodically repairs state that an interrupted workflow left
// behind: channels reserved by a session that was never persisted or has
// already ended, and ended sessions that still reference resources.
type Reconciler struct {
	store     Store
	allocator *Allocator
	teardown  *Teardown
	log       *slog.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	grace     time.Duration
	now       func() time.Time
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("reconciliation failed", slog.Any("error", err))
				continue
			}
			if report != (SweepReport{}) {
				r.log.Info("reconciliation repaired state",
					slog.Int("orphaned_channels", report.OrphanedChannels),
					slog.Int("stale_channels", report.StaleChannels),
					slog.Int("retried_sessions", report.RetriedSessions))
			}
		}
	}
}

// Sweep runs one reconciliation pass. Per-record failures are logged and
// skipped; only a failure to list records aborts the pass.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	channels, err := r.store.ListChannels(ctx)
	if err != nil {
		return report, err
	}
	for _, ch := range channels {
		if ch.CurrentSessionID == "" {
			continue
		}
		log := r.log.With(
			slog.String("channel_id", ch.ID),
			slog.String("session_id", ch.CurrentSessionID))

		session, err := r.store.GetSession(ctx, ch.CurrentSessionID)
		switch {
		case errors.Is(err, ErrNotFound):
			// A creation in progress has reserved the channel but not yet
			// persisted its session; only old reservations are orphans.
			if ch.Usage.LastStartedAt != nil && r.now().Sub(*ch.Usage.LastStartedAt) < r.grace {
				continue
			}
			released, err := r.allocator.Release(ctx, ch.ID, ch.CurrentSessionID)
			if err != nil {
				log.Warn("could not release orphaned channel", slog.Any("error", err))
				continue
			}
			if released {
				log.Warn("released channel reserved by a session that does not exist")
				r.metrics.IncReconciled(reconcileOrphanedChannel)
				report.OrphanedChannels++
			}
		case err != nil:
			log.Warn("could not load channel's session", slog.Any("error", err))
		case session.Status.Terminal():
			if _, err := r.teardown.Run(ctx, session.ID, session.Status); err != nil {
				log.Warn("could not finish teardown of ended session", slog.Any("error", err))
				continue
			}
			r.metrics.IncReconciled(reconcileStaleChannel)
			report.StaleChannels++
		}
	}

	for _, status := range []SessionStatus{SessionEnded, SessionCompleted} {
		sessions, err := r.store.ListSessionsByStatus(ctx, status)
		if err != nil {
			return report, err
		}
		for _, s := range sessions {
			if !s.Resources.Held() {
				continue
			}
			res, err := r.teardown.Run(ctx, s.ID, s.Status)
			if err != nil {
				r.log.Warn("could not retry teardown",
					slog.String("session_id", s.ID),
					slog.Any("error", err))
				continue
			}
			if releasedExternal(res.Released) {
				r.metrics.IncReconciled(reconcileUnreleased)
				report.RetriedSessions++
			}
		}
	}

	active, err := r.store.ListSessionsByStatus(ctx, SessionActive)
	if err != nil {
		return report, err
	}
	r.metrics.SetActiveSessions(len(active))

	return report, nil
}

func releasedExternal(kinds []ResourceKind) bool {
	for _, k := range kinds {
		if k != ResourceChannelState && k != ResourceCommandQueue {
			return true
		}
	}
	return false
}
