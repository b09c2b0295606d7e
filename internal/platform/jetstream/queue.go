// Package jetstream implements the orchestrator's CommandQueue on a NATS
// JetStream work-queue stream. Each session has its own subject and a
// durable pull consumer filtered on it; the consumer's ack wait is the
// visibility timeout.
package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/samber/oops"

	"session-orchestrator/internal/orchestrator"
)

// Config names the stream and tunes delivery.
type Config struct {
	Stream        string
	SubjectPrefix string
	AckWait       time.Duration
}

// Queue is an orchestrator.CommandQueue on JetStream.
type Queue struct {
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	pending   *pendingSet
	now       func() time.Time
}

var _ orchestrator.CommandQueue = (*Queue)(nil)

// New ensures the command stream exists and returns a Queue on it.
func New(ctx context.Context, nc *nats.Conn, cfg Config) (*Queue, error) {
	if cfg.AckWait <= 0 {
		cfg.AckWait = orchestrator.DefaultVisibilityTimeout
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, oops.Wrapf(err, "jetstream context")
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, oops.Wrapf(err, "ensure stream %s", cfg.Stream)
	}
	return &Queue{
		js:        js,
		stream:    stream,
		cfg:       cfg,
		consumers: make(map[string]jetstream.Consumer),
		pending:   newPendingSet(),
		now:       time.Now,
	}, nil
}

// Send implements orchestrator.CommandQueue. The command id doubles as the
// JetStream message id, so a retried publish is deduplicated.
func (q *Queue) Send(ctx context.Context, cmd orchestrator.ControlCommand) error {
	if cmd.SessionID == "" {
		return oops.Wrapf(orchestrator.ErrBadRequest, "command %s has no session", cmd.ID)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return oops.Wrapf(err, "encode command %s", cmd.ID)
	}
	if _, err := q.js.Publish(ctx, q.subject(cmd.SessionID), data, jetstream.WithMsgID(cmd.ID)); err != nil {
		return oops.Wrapf(err, "publish command %s", cmd.ID)
	}
	return nil
}

// Receive implements orchestrator.CommandQueue.
func (q *Queue) Receive(ctx context.Context, sessionID string, wait time.Duration) (*orchestrator.Delivery, error) {
	cons, err := q.consumer(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, oops.Wrapf(err, "fetch commands for session %s", sessionID)
	}

	for msg := range batch.Messages() {
		var cmd orchestrator.ControlCommand
		if err := json.Unmarshal(msg.Data(), &cmd); err != nil {
			// A message that can never decode would be redelivered forever.
			_ = msg.Term()
			return nil, oops.Wrapf(orchestrator.ErrBadRequest, "undecodable command on %s: %v", msg.Subject(), err)
		}
		receipt := receiptFor(msg)
		q.pending.put(receipt, sessionID, msg, q.now(), q.cfg.AckWait)
		return &orchestrator.Delivery{Command: cmd, Receipt: receipt}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, oops.Wrapf(err, "fetch commands for session %s", sessionID)
	}
	return nil, nil
}

// Delete implements orchestrator.CommandQueue by acknowledging the message.
// Unknown receipts are ignored.
func (q *Queue) Delete(ctx context.Context, _ string, receipt string) error {
	msg, ok := q.pending.take(receipt, q.now())
	if !ok {
		return nil
	}
	return oops.Wrapf(msg.DoubleAck(ctx), "ack command")
}

// Drop implements orchestrator.CommandQueue: the session's consumer and any
// undelivered commands are removed.
func (q *Queue) Drop(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	delete(q.consumers, sessionID)
	q.mu.Unlock()
	q.pending.dropSession(sessionID)

	err := q.stream.DeleteConsumer(ctx, durableName(sessionID))
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return oops.Wrapf(err, "delete consumer for session %s", sessionID)
	}
	if err := q.stream.Purge(ctx, jetstream.WithPurgeSubject(q.subject(sessionID))); err != nil {
		return oops.Wrapf(err, "purge commands for session %s", sessionID)
	}
	return nil
}

func (q *Queue) consumer(ctx context.Context, sessionID string) (jetstream.Consumer, error) {
	q.mu.Lock()
	cons, ok := q.consumers[sessionID]
	q.mu.Unlock()
	if ok {
		return cons, nil
	}

	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durableName(sessionID),
		FilterSubject: q.subject(sessionID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, oops.Wrapf(err, "consumer for session %s", sessionID)
	}
	q.mu.Lock()
	q.consumers[sessionID] = cons
	q.mu.Unlock()
	return cons, nil
}

// receiptFor names a delivery by its stream sequence, so redeliveries of
// one message share a receipt and replace each other in the pending set.
func receiptFor(msg jetstream.Msg) string {
	md, err := msg.Metadata()
	if err != nil {
		return uuid.NewString()
	}
	return strconv.FormatUint(md.Sequence.Stream, 10)
}

type pendingMsg struct {
	msg     jetstream.Msg
	session string
	expires time.Time
}

// pendingSet holds delivered, unacknowledged messages until they are
// acknowledged, their ack wait passes, or their session is dropped. Once
// the ack wait has passed the server redelivers, so keeping the old
// delivery is pointless.
type pendingSet struct {
	mu   sync.Mutex
	msgs map[string]pendingMsg
}

func newPendingSet() *pendingSet {
	return &pendingSet{msgs: make(map[string]pendingMsg)}
}

// put records a delivery valid for ttl from now and evicts expired ones.
func (p *pendingSet) put(receipt, sessionID string, msg jetstream.Msg, now time.Time, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(now)
	p.msgs[receipt] = pendingMsg{msg: msg, session: sessionID, expires: now.Add(ttl)}
}

// take removes and returns the message for receipt unless it has expired.
func (p *pendingSet) take(receipt string, now time.Time) (jetstream.Msg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pm, ok := p.msgs[receipt]
	delete(p.msgs, receipt)
	if !ok || !now.Before(pm.expires) {
		return nil, false
	}
	return pm.msg, true
}

func (p *pendingSet) dropSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for r, pm := range p.msgs {
		if pm.session == sessionID {
			delete(p.msgs, r)
		}
	}
}

func (p *pendingSet) evictLocked(now time.Time) {
	for r, pm := range p.msgs {
		if !now.Before(pm.expires) {
			delete(p.msgs, r)
		}
	}
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func (q *Queue) subject(sessionID string) string {
	return q.cfg.SubjectPrefix + "." + token(sessionID)
}

func durableName(sessionID string) string {
	return "controller-" + token(sessionID)
}

// token makes a session id safe as a subject token and consumer name.
func token(sessionID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, sessionID)
}
