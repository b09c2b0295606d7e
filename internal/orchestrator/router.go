package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"session-orchestrator/internal/platform/metrics"
)

// SwitchResult reports the program state after a command. When Warning is
// set the state change was persisted but its propagation to the controller
// is uncertain; callers may resync, not repeat the switch.
type SwitchResult struct {
	ProgramState ProgramState `json:"programState"`
	Changed      bool         `json:"changed"`
	Dispatched   bool         `json:"dispatched"`
	Warning      string       `json:"warning,omitempty"`
}

// Router validates control commands from authenticated actors, persists
// the resulting program state and notifies the session's controller.
type Router struct {
	store   Store
	queue   CommandQueue
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// SwitchSource makes sourceID the program's active video source.
func (r *Router) SwitchSource(ctx context.Context, sessionID, actorID, sourceID string) (*SwitchResult, error) {
	session, err := r.loadControllable(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	src, err := ParseSource(sourceID)
	if err != nil {
		return nil, err
	}

	if session.ProgramState.ActiveVideoSource == src {
		r.metrics.IncSwitchNoops()
		return &SwitchResult{ProgramState: session.ProgramState}, nil
	}

	changed := false
	saved, err := updateSession(ctx, r.store, sessionID, func(s *LiveSession) error {
		if s.Status != SessionActive {
			return oops.Wrapf(ErrInvalidState, "session %s is %s", s.ID, s.Status)
		}
		if s.ProgramState.ActiveVideoSource == src {
			return errSkipWrite
		}
		s.ProgramState.ActiveVideoSource = src
		s.UpdatedAt = r.now().UTC()
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	result := &SwitchResult{ProgramState: saved.ProgramState, Changed: changed}
	if !changed {
		r.metrics.IncSwitchNoops()
		return result, nil
	}

	r.metrics.IncSourceSwitches()
	r.log.Info("program source switched",
		slog.String("session_id", sessionID),
		slog.String("source", src.String()))

	r.dispatch(ctx, saved, src, result)
	return result, nil
}

// SetAudioLevel sets the program audio level of one source, clamped to
// [0, 1]. Levels are read from the record by the controller; no command
// is sent.
func (r *Router) SetAudioLevel(ctx context.Context, sessionID, actorID, sourceID string, level float64) (*SwitchResult, error) {
	if _, err := r.loadControllable(ctx, sessionID, actorID); err != nil {
		return nil, err
	}
	src, err := ParseSource(sourceID)
	if err != nil {
		return nil, err
	}
	level = clampLevel(level)

	changed := false
	saved, err := updateSession(ctx, r.store, sessionID, func(s *LiveSession) error {
		if s.Status != SessionActive {
			return oops.Wrapf(ErrInvalidState, "session %s is %s", s.ID, s.Status)
		}
		if cur, ok := s.ProgramState.AudioLevels[src.String()]; ok && cur == level {
			return errSkipWrite
		}
		if s.ProgramState.AudioLevels == nil {
			s.ProgramState.AudioLevels = make(map[string]float64)
		}
		s.ProgramState.AudioLevels[src.String()] = level
		s.UpdatedAt = r.now().UTC()
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &SwitchResult{ProgramState: saved.ProgramState, Changed: changed}, nil
}

// Resync re-sends the persisted source to the controller. It is the retry
// path for a switch whose dispatch failed.
func (r *Router) Resync(ctx context.Context, sessionID, actorID string) (*SwitchResult, error) {
	session, err := r.loadControllable(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	result := &SwitchResult{ProgramState: session.ProgramState}
	r.dispatch(ctx, session, session.ProgramState.ActiveVideoSource, result)
	return result, nil
}

// dispatch enqueues the command after the state is persisted. A failure
// is downgraded to a warning on result; the persisted state stays.
func (r *Router) dispatch(ctx context.Context, s *LiveSession, src Source, result *SwitchResult) {
	cmd := NewSwitchCommand(s.ID, src, r.now())
	if err := r.queue.Send(ctx, cmd); err != nil {
		r.metrics.IncDispatchFailures()
		r.log.Warn("control command dispatch failed",
			slog.String("session_id", s.ID),
			slog.String("command_id", cmd.ID),
			slog.Any("error", &UpstreamError{Step: "dispatch_command", Err: err}))
		result.Warning = "program state saved but the controller was not notified; resync to retry"
		return
	}
	if s.Resources.Controller == "" {
		result.Warning = "session has no controller; the command will apply once one is running"
	}
	result.Dispatched = true
}

// loadControllable loads a session the actor may command: it must exist,
// belong to the actor and be ACTIVE.
func (r *Router) loadControllable(ctx context.Context, sessionID, actorID string) (*LiveSession, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if actorID == "" || session.HostID != actorID {
		return nil, oops.Wrapf(ErrForbidden, "actor %q does not own session %s", actorID, sessionID)
	}
	if session.Status != SessionActive {
		return nil, oops.Wrapf(ErrInvalidState, "session %s is %s", sessionID, session.Status)
	}
	return session, nil
}
