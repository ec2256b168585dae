package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maxpert/mswitch/errors"
	"github.com/maxpert/mswitch/interfaces"
	"github.com/maxpert/mswitch/metrics"
	"github.com/maxpert/mswitch/protocol"
	"github.com/maxpert/mswitch/queue"
	"github.com/maxpert/mswitch/storage"
)

const tracerName = "github.com/maxpert/mswitch/broker"

// Metrics is the subset of the metrics collector the engine reports to.
// *metrics.Collector satisfies it.
type Metrics interface {
	RecordQueueCreated()
	RecordQueueDestroyed()
	SetQueuesTotal(count int)
	RecordMessageSent(size int)
	RecordMessageAcked()
	RecordMessageDropped()
	RecordWaitStarted()
	RecordWaitFinished()
	RecordReplay(operations int, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordQueueCreated() {}
func (noopMetrics) RecordQueueDestroyed() {}
func (noopMetrics) SetQueuesTotal(int) {}
func (noopMetrics) RecordMessageSent(int) {}
func (noopMetrics) RecordMessageAcked() {}
func (noopMetrics) RecordMessageDropped() {}
func (noopMetrics) RecordWaitStarted() {}
func (noopMetrics) RecordWaitFinished() {}
func (noopMetrics) RecordReplay(int, float64) {}

// EngineOptions configures an Engine. A nil Log keeps operations in memory only.
type EngineOptions struct {
	Log     interfaces.OperationLog
	Logger  *zap.Logger
	Metrics Metrics
	Tracer  trace.Tracer
	// Clock stamps new entries; defaults to time.Now
	Clock func() time.Time
}

// EngineStats are counters since the engine was created, replay included
type EngineStats struct {
	Queues   int
	Sent     uint64
	Acked    uint64
	Dropped  uint64
	Replayed uint64
}

// Engine is the queueing core. Every mutation is appended to the operation
// log and then applied through Perform, the same path replay uses.
type Engine struct {
	dir     *queue.Directory
	log     interfaces.OperationLog
	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	// topology orders queue creation and removal against the sends and
	// acks touching those queues, so the log and memory agree on which
	// incarnation of a name a message landed in.
	topology sync.RWMutex

	sent     atomic.Uint64
	acked    atomic.Uint64
	dropped  atomic.Uint64
	replayed atomic.Uint64
}

// NewEngine creates an engine over an empty directory
func NewEngine(opts EngineOptions) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = storage.NewMemoryLog()
	}

	return &Engine{
		dir:     queue.NewDirectory(),
		log:     opts.Log,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		clock:   opts.Clock,
	}
}

// Directory exposes the live directory for read-only inspection
func (e *Engine) Directory() *queue.Directory {
	return e.dir
}

// CreateQueue registers name. Creating an existing queue persists nothing.
func (e *Engine) CreateQueue(ctx context.Context, name string) error {
	if name == "" {
		return errors.NewInvalidQueueName(name, "create")
	}

	ctx, span := e.startSpan(ctx, "create_queue", name)
	defer span.End()

	e.topology.Lock()
	defer e.topology.Unlock()

	if e.dir.Exists(name) {
		return nil
	}
	op := protocol.DirectoryAdd(name)
	if err := e.persist(ctx, op); err != nil {
		recordSpanError(span, err)
		return err
	}
	e.Perform(op)
	e.logger.Info("Queue created", zap.String("queue", name))
	return nil
}

// DestroyQueue removes name and every message in it. Destroying a missing
// queue persists nothing. Creation waiters for name are not affected.
func (e *Engine) DestroyQueue(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "destroy_queue", name)
	defer span.End()

	e.topology.Lock()
	defer e.topology.Unlock()

	if !e.dir.Exists(name) {
		return nil
	}
	op := protocol.DirectoryRemove(name)
	if err := e.persist(ctx, op); err != nil {
		recordSpanError(span, err)
		return err
	}
	e.Perform(op)
	e.logger.Info("Queue destroyed", zap.String("queue", name))
	return nil
}

// List returns the queue names starting with prefix
func (e *Engine) List(prefix string) []string {
	return e.dir.List(prefix)
}

// NextID allocates an id from name without storing anything. The id is
// burned. ok is false when the queue does not exist.
func (e *Engine) NextID(name string) (id int64, ok bool) {
	q, ok := e.dir.Get(name)
	if !ok {
		return 0, false
	}
	return q.NextID(), true
}

// Send stores msg in name and returns its id. ok is false, and nothing is
// persisted, when the queue does not exist. If the log append fails the
// message is not stored and the returned error is a StorageError.
func (e *Engine) Send(ctx context.Context, origin protocol.Origin, name string, msg protocol.Message) (protocol.MessageID, bool, error) {
	ctx, span := e.startSpan(ctx, "send", name)
	defer span.End()

	e.topology.RLock()
	defer e.topology.RUnlock()

	q, ok := e.dir.Get(name)
	if !ok {
		e.logger.Debug("Send to missing queue", zap.String("queue", name))
		return protocol.MessageID{}, false, nil
	}

	unlock := q.LockPublish()
	defer unlock()

	id := protocol.MessageID{Queue: name, ID: q.NextID()}
	op := protocol.Send(id, protocol.NewEntry(e.clock(), origin, msg))
	if err := e.persist(ctx, op); err != nil {
		e.logger.Warn("Send not persisted",
			zap.String("queue", name),
			zap.Int64("id", id.ID),
			zap.Error(err))
		recordSpanError(span, err)
		return protocol.MessageID{}, false, err
	}
	e.Perform(op)

	span.SetAttributes(attribute.Int64("mswitch.message_id", id.ID))
	return id, true, nil
}

// Ack removes a message. Acking a missing queue or id persists nothing and
// is not an error.
func (e *Engine) Ack(ctx context.Context, id protocol.MessageID) error {
	ctx, span := e.startSpan(ctx, "ack", id.Queue)
	defer span.End()

	e.topology.RLock()
	defer e.topology.RUnlock()

	q, ok := e.dir.Get(id.Queue)
	if !ok {
		return nil
	}

	unlock := q.LockPublish()
	defer unlock()

	if _, ok := q.Entry(id.ID); !ok {
		return nil
	}
	op := protocol.Ack(id)
	if err := e.persist(ctx, op); err != nil {
		recordSpanError(span, err)
		return err
	}
	e.Perform(op)
	return nil
}

// Wait blocks until name holds an entry with id greater than fromID. If the
// queue does not exist it blocks until the queue is created and returns
// then; callers re-issue Wait to block for content. A queue destroyed while
// waited on is treated as missing. Cancelling ctx returns ctx.Err() and
// leaves no trace.
func (e *Engine) Wait(ctx context.Context, fromID int64, name string) error {
	e.metrics.RecordWaitStarted()
	defer e.metrics.RecordWaitFinished()

	for {
		lookup := e.dir.Find(name)
		if !lookup.Registered {
			return e.dir.WaitFor(ctx, name)
		}
		err := lookup.Queue.Wait(ctx, fromID)
		if errors.IsNotFound(err) {
			continue
		}
		return err
	}
}

// Entry looks up a single message
func (e *Engine) Entry(id protocol.MessageID) (protocol.Entry, bool) {
	return e.dir.Find(id.Queue).Queue.Entry(id.ID)
}

// Transfer returns, for each name, the entries with id greater than fromID.
// Each queue is read independently so the result is not one atomic
// snapshot across queues. Missing queues contribute nothing.
func (e *Engine) Transfer(fromID int64, names []string) []protocol.Item {
	var items []protocol.Item
	for _, name := range names {
		items = append(items, e.dir.Find(name).Queue.After(fromID)...)
	}
	return items
}

// Contents returns every entry in name
func (e *Engine) Contents(name string) []protocol.Item {
	return e.dir.Find(name).Queue.Contents()
}

// Perform applies op to live state. It is the single dispatch point for
// both live traffic, after the op is durable, and replay. It reports
// whether state changed.
func (e *Engine) Perform(op protocol.Operation) bool {
	switch op.Kind {
	case protocol.OpDirectoryAdd:
		if !e.dir.Add(op.Queue) {
			return false
		}
		e.metrics.RecordQueueCreated()
		return true

	case protocol.OpDirectoryRemove:
		if !e.dir.Remove(op.Queue) {
			return false
		}
		e.metrics.RecordQueueDestroyed()
		return true

	case protocol.OpAck:
		q, ok := e.dir.Get(op.Queue)
		if !ok || !q.Ack(op.ID) {
			return false
		}
		e.acked.Add(1)
		e.metrics.RecordMessageAcked()
		return true

	case protocol.OpSend:
		if op.Entry == nil {
			return false
		}
		q, ok := e.dir.Get(op.Queue)
		if !ok {
			e.dropped.Add(1)
			e.metrics.RecordMessageDropped()
			e.logger.Debug("Dropped message for missing queue",
				zap.String("queue", op.Queue),
				zap.Int64("id", op.ID))
			return false
		}
		if !q.Insert(op.ID, *op.Entry) {
			return false
		}
		e.sent.Add(1)
		e.metrics.RecordMessageSent(len(op.Entry.Message.Payload))
		return true
	}

	e.logger.Warn("Ignoring unknown operation", zap.Stringer("kind", op.Kind))
	return false
}

// ReplayStats summarises a recovery pass
type ReplayStats struct {
	Records  int
	Queues   int
	Entries  int
	Duration time.Duration
}

// Replay rebuilds state from log. It must run before any traffic. A record
// that does not decode stops the replay with a CorruptRecordError, since
// skipping it would silently lose state.
func (e *Engine) Replay(ctx context.Context, log interfaces.OperationLog) (ReplayStats, error) {
	ctx, span := e.tracer.Start(ctx, "mswitch.replay")
	defer span.End()

	start := time.Now()
	var stats ReplayStats

	err := log.Replay(ctx, func(pos interfaces.Position, record []byte) error {
		op, ok := storage.DecodeOperation(record)
		if !ok {
			return errors.NewCorruptRecord("operation log", uint64(pos), nil)
		}
		e.Perform(op)
		stats.Records++
		return nil
	})

	stats.Duration = time.Since(start)
	e.replayed.Add(uint64(stats.Records))
	for _, q := range e.dir.Queues() {
		stats.Queues++
		stats.Entries += q.Len()
	}
	e.metrics.SetQueuesTotal(stats.Queues)
	e.metrics.RecordReplay(stats.Records, stats.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("mswitch.replay.records", stats.Records),
		attribute.Int("mswitch.replay.queues", stats.Queues),
	)
	if err != nil {
		recordSpanError(span, err)
		return stats, err
	}
	return stats, nil
}

// Snapshot copies every registered queue, ordered by name
func (e *Engine) Snapshot() []queue.State {
	queues := e.dir.Queues()
	states := make([]queue.State, 0, len(queues))
	for _, q := range queues {
		states = append(states, q.Snapshot())
	}
	return states
}

// QueueLengths samples the live directory; it implements metrics.QueueSampler
func (e *Engine) QueueLengths() []metrics.QueueSample {
	queues := e.dir.Queues()
	samples := make([]metrics.QueueSample, 0, len(queues))
	for _, q := range queues {
		samples = append(samples, metrics.QueueSample{
			Name:        q.Name(),
			Description: fmt.Sprintf("length of queue %s", q.Name()),
			Value:       int64(q.Len()),
		})
	}
	return samples
}

// Stats returns engine counters
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Queues:   e.dir.Len(),
		Sent:     e.sent.Load(),
		Acked:    e.acked.Load(),
		Dropped:  e.dropped.Load(),
		Replayed: e.replayed.Load(),
	}
}

func (e *Engine) persist(ctx context.Context, op protocol.Operation) error {
	data, err := storage.EncodeOperation(op)
	if err != nil {
		return errors.NewStorageError(errors.InternalError, "failed to encode operation", "encode", op.Queue, err)
	}
	if _, err := e.log.Append(ctx, data); err != nil {
		if errors.IsStorageError(err) {
			return err
		}
		return errors.NewStorageUnavailable("append", "operation log", err)
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, name, queueName string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "mswitch."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("mswitch.queue", queueName)))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
