package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// DefaultVisibilityTimeout is how long a received command stays hidden
// before it is redelivered.
const DefaultVisibilityTimeout = 30 * time.Second

type queuedCommand struct {
	cmd       ControlCommand
	receipt   string
	visibleAt time.Time
}

// MemoryQueue is an in-process CommandQueue with per-session FIFO order,
// long polling and visibility timeouts.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	queues     map[string][]*queuedCommand
	notify     chan struct{}
	now        func() time.Time
}

var _ CommandQueue = (*MemoryQueue)(nil)

// NewMemoryQueue returns a queue. If visibility <= 0,
// DefaultVisibilityTimeout is used.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		visibility: visibility,
		queues:     make(map[string][]*queuedCommand),
		notify:     make(chan struct{}),
		now:        time.Now,
	}
}

// Send implements CommandQueue.Send.
func (q *MemoryQueue) Send(_ context.Context, cmd ControlCommand) error {
	if cmd.SessionID == "" {
		return oops.Wrapf(ErrBadRequest, "command %s has no session", cmd.ID)
	}
	q.mu.Lock()
	q.queues[cmd.SessionID] = append(q.queues[cmd.SessionID], &queuedCommand{cmd: cmd})
	q.broadcastLocked()
	q.mu.Unlock()
	return nil
}

// Receive implements CommandQueue.Receive.
func (q *MemoryQueue) Receive(ctx context.Context, sessionID string, wait time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		d, nextVisible := q.takeLocked(sessionID)
		notify := q.notify
		q.mu.Unlock()

		if d != nil {
			return d, nil
		}

		var retry *time.Timer
		var retryC <-chan time.Time
		if !nextVisible.IsZero() {
			retry = time.NewTimer(nextVisible.Sub(q.now()))
			retryC = retry.C
		}

		var err error
		done := false
		select {
		case <-ctx.Done():
			err, done = ctx.Err(), true
		case <-deadline.C:
			done = true
		case <-notify:
		case <-retryC:
		}
		if retry != nil {
			retry.Stop()
		}
		if done {
			return nil, err
		}
	}
}

// takeLocked hands out the first visible command, or reports when the
// earliest hidden one becomes visible again.
func (q *MemoryQueue) takeLocked(sessionID string) (*Delivery, time.Time) {
	now := q.now()
	var next time.Time
	for _, qc := range q.queues[sessionID] {
		if !qc.visibleAt.After(now) {
			qc.receipt = uuid.NewString()
			qc.visibleAt = now.Add(q.visibility)
			return &Delivery{Command: qc.cmd, Receipt: qc.receipt}, time.Time{}
		}
		if next.IsZero() || qc.visibleAt.Before(next) {
			next = qc.visibleAt
		}
	}
	return nil, next
}

// Delete implements CommandQueue.Delete. Unknown receipts are ignored,
// which makes a late delete after redelivery harmless.
func (q *MemoryQueue) Delete(_ context.Context, sessionID, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[sessionID]
	for i, qc := range pending {
		if qc.receipt == receipt {
			q.queues[sessionID] = append(pending[:i:i], pending[i+1:]...)
			return nil
		}
	}
	return nil
}

// Drop implements CommandQueue.Drop.
func (q *MemoryQueue) Drop(_ context.Context, sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, sessionID)
	return nil
}

// Len returns the number of commands held for a session, visible or not.
func (q *MemoryQueue) Len(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[sessionID])
}

// broadcastLocked wakes every waiting receiver.
func (q *MemoryQueue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
