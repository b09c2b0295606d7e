// Package local runs session controllers inside the server process and
// provides an in-memory media platform, for development and tests.
package local

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

const handlePrefix = "local/"

// Runner drives the controller of one session until ctx is cancelled.
type Runner func(ctx context.Context, sessionID string) error

type task struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Launcher is an orchestrator.Launcher that runs each controller in a
// goroutine. Handles are "local/<uuid>".
type Launcher struct {
	run Runner
	log *slog.Logger

	mu    sync.Mutex
	base  context.Context
	tasks map[string]*task
}

var _ orchestrator.Launcher = (*Launcher)(nil)

// NewLauncher returns a Launcher. Controllers stop when base is cancelled.
func NewLauncher(base context.Context, run Runner, log *slog.Logger) *Launcher {
	return &Launcher{run: run, log: log, base: base, tasks: make(map[string]*task)}
}

// Launch implements orchestrator.Launcher.
func (l *Launcher) Launch(_ context.Context, sessionID string) (string, error) {
	if err := l.base.Err(); err != nil {
		return "", oops.Wrapf(err, "launcher is shut down")
	}
	handle := handlePrefix + uuid.NewString()
	ctx, cancel := context.WithCancel(l.base)
	t := &task{sessionID: sessionID, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.tasks[handle] = t
	l.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			l.mu.Lock()
			delete(l.tasks, handle)
			l.mu.Unlock()
		}()
		if err := l.run(ctx, sessionID); err != nil {
			l.log.Error("controller exited with error",
				slog.String("session_id", sessionID),
				slog.String("controller", handle),
				slog.Any("error", err))
		}
	}()
	return handle, nil
}

// Stop implements orchestrator.Launcher. It waits for the controller to
// return or for ctx to end. Unknown handles are already stopped.
func (l *Launcher) Stop(ctx context.Context, handle, reason string) error {
	if !strings.HasPrefix(handle, handlePrefix) {
		return oops.Errorf("not a local controller handle: %s", handle)
	}
	l.mu.Lock()
	t, ok := l.tasks[handle]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	l.log.Debug("stopping controller",
		slog.String("session_id", t.sessionID),
		slog.String("controller", handle),
		slog.String("reason", reason))
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return oops.Wrapf(ctx.Err(), "controller %s did not stop", handle)
	}
}

// Running returns the number of live controllers.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}
