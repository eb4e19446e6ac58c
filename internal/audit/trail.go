// Package audit records security-relevant events. Recording never fails the
// caller: store errors are logged and swallowed.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markgate/markgate/internal/metrics"
	"github.com/markgate/markgate/internal/model"
)

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, action model.AuditAction, actorID string, outcome model.Outcome, detail map[string]interface{})
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, model.AuditAction, string, model.Outcome, map[string]interface{}) {
}

// Sink persists audit events.
type Sink interface {
	InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error
}

// Querier reads audit events back in canonical order.
type Querier interface {
	ListAuditEvents(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error)
}

// Options configures a Trail.
type Options struct {
	// BufferSize is the capacity of the write queue. Zero writes each event
	// synchronously on the caller's goroutine.
	BufferSize int

	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Trail is the audit trail. Events are stamped with a sequence number and a
// timestamp at submission and handed to a single writer goroutine. When the
// queue is full Record waits up to WriteTimeout for room, then writes the
// event itself on the caller's goroutine. No event is discarded; reads order
// by (OccurredAt, Seq), so an overflow write never reorders the trail.
type Trail struct {
	sink         Sink
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	writeTimeout time.Duration

	mu     sync.Mutex // guards seq, closed and sends on queue
	seq    int64
	closed bool
	queue  chan *model.AuditEvent
	done   chan struct{}
}

// NewTrail creates a Trail writing to sink and, when buffered, starts its
// writer goroutine. Call Close to flush.
func NewTrail(sink Sink, opts Options) *Trail {
	t := &Trail{
		sink:         sink,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		writeTimeout: opts.WriteTimeout,
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "audit")
	if t.now == nil {
		t.now = time.Now
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = 5 * time.Second
	}
	if opts.BufferSize > 0 {
		t.queue = make(chan *model.AuditEvent, opts.BufferSize)
		t.done = make(chan struct{})
		go t.run()
	}
	return t
}

// Record implements Recorder.
func (t *Trail) Record(ctx context.Context, action model.AuditAction, actorID string, outcome model.Outcome, detail map[string]interface{}) {
	e := &model.AuditEvent{
		Action:  action,
		ActorID: actorID,
		Outcome: outcome,
		Detail:  withSourceDetail(ctx, detail),
	}
	if id, err := uuid.NewV7(); err == nil {
		e.ID = id.String()
	}

	t.mu.Lock()
	t.seq++
	e.Seq = t.seq
	e.OccurredAt = t.now().UTC()
	queued, overflow := false, false
	if t.queue != nil && !t.closed {
		select {
		case t.queue <- e:
			queued = true
		default:
			queued = t.enqueueWait(e)
			overflow = !queued
		}
	}
	t.mu.Unlock()

	t.mirror(ctx, e)
	t.metrics.AuditRecorded(string(action), string(outcome))

	if queued {
		return
	}
	if overflow {
		t.metrics.AuditOverflow()
		t.logger.Warn("audit buffer full, writing event synchronously", "action", action, "seq", e.Seq)
	}
	t.write(context.WithoutCancel(ctx), e)
}

// enqueueWait blocks until the writer makes room for e or WriteTimeout
// passes. It runs with t.mu held, so the queue cannot be closed under it.
func (t *Trail) enqueueWait(e *model.AuditEvent) bool {
	timer := time.NewTimer(t.writeTimeout)
	defer timer.Stop()
	select {
	case t.queue <- e:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting queued events and waits until every queued event has
// been written or ctx is done. Events recorded after Close are written
// synchronously.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed || t.queue == nil {
		t.closed = true
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("audit flush incomplete"), ctx.Err())
	}
}

func (t *Trail) run() {
	defer close(t.done)
	for e := range t.queue {
		t.write(context.Background(), e)
	}
}

func (t *Trail) write(ctx context.Context, e *model.AuditEvent) {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := t.sink.InsertAuditEvent(ctx, e); err != nil {
		t.metrics.AuditWriteFailed()
		t.logger.Error("audit write failed", "action", e.Action, "seq", e.Seq, "error", err)
	}
}

func (t *Trail) mirror(ctx context.Context, e *model.AuditEvent) {
	level := slog.LevelInfo
	if e.Outcome == model.OutcomeFailure {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("action", string(e.Action)),
		slog.String("outcome", string(e.Outcome)),
		slog.Int64("seq", e.Seq),
	}
	if e.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", e.ActorID))
	}
	if len(e.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", e.Detail))
	}
	t.logger.LogAttrs(ctx, level, "audit event", attrs...)
}
