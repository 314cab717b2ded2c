// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements a broker partition: a durable subscription
// registry, a per-message-type delivery queue and the periodic dispatch
// loop that drains queues to subscribers with at-least-once semantics.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/broker/events"
	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
	"github.com/alphadose/haxmap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/fluxbus/broker"

// Broker errors.
var (
	ErrAlreadyStarted  = errors.New("broker already started")
	ErrNotStarted      = errors.New("broker not started")
	ErrDrainInProgress = errors.New("drain already in progress")
)

var _ endpoint.Handler = (*Broker)(nil)

// Config holds the settings of a broker partition.
type Config struct {
	// PartitionID identifies the partition in logs and metrics.
	PartitionID int
	// Period is the interval between drain cycles.
	Period time.Duration
	// DueTime is the delay before the first drain cycle.
	DueTime time.Duration
	// Strategy selects how each queue is drained.
	Strategy DrainStrategy
	// MaxDeliveryAttempts moves a message to the dead-letter namespace
	// after that many failed drain cycles. Zero retries forever.
	MaxDeliveryAttempts int
	// DeliveryTimeout bounds a single delivery to a single subscriber.
	DeliveryTimeout time.Duration
	// MaxConcurrency bounds concurrent deliveries of an Unordered drain.
	MaxConcurrency int
	// BatchSize is the number of queue items read per store transaction.
	BatchSize int
	// MaxMessageSize rejects larger payloads. Zero disables the check.
	MaxMessageSize int
	// StatsHistory is the number of queue samples kept per message type.
	StatsHistory int
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		Period:          time.Second,
		DueTime:         time.Second,
		Strategy:        Unordered,
		DeliveryTimeout: 10 * time.Second,
		MaxConcurrency:  8,
		BatchSize:       DefaultBatchSize,
		MaxMessageSize:  1 << 20,
		StatsHistory:    60,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Period <= 0:
		return fmt.Errorf("period must be positive")
	case c.DueTime < 0:
		return fmt.Errorf("due time cannot be negative")
	case c.MaxDeliveryAttempts < 0:
		return fmt.Errorf("max delivery attempts cannot be negative")
	case c.DeliveryTimeout < 0:
		return fmt.Errorf("delivery timeout cannot be negative")
	case c.MaxConcurrency <= 0:
		return fmt.Errorf("max concurrency must be positive")
	case c.MaxMessageSize < 0:
		return fmt.Errorf("max message size cannot be negative")
	case c.StatsHistory < 0:
		return fmt.Errorf("stats history cannot be negative")
	case c.Strategy != Ordered && c.Strategy != Unordered:
		return fmt.Errorf("unknown drain strategy %d", c.Strategy)
	}
	return nil
}

// Option configures a Broker.
type Option func(*Broker)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithTracer sets the tracer. The global otel tracer is used by default.
func WithTracer(t trace.Tracer) Option {
	return func(b *Broker) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithCodec shares a record codec. The broker does not close it.
func WithCodec(c *codec.Codec) Option {
	return func(b *Broker) {
		if c != nil {
			b.codec = c
		}
	}
}

type drainState struct {
	running  sync.Mutex
	commitMu sync.Mutex
}

// Broker is a single broker partition.
type Broker struct {
	cfg       Config
	store     storage.Store
	codec     *codec.Codec
	ownsCodec bool
	registry  *Registry
	queue     *Queue
	transport endpoint.Transport
	logger    *slog.Logger
	metrics   Metrics
	notifier  Notifier
	tracer    trace.Tracer
	relay     *relay
	history   *history
	drains    *haxmap.Map[string, *drainState]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broker partition over store. Deliveries go through transport.
func New(cfg Config, store storage.Store, transport endpoint.Transport, logger *slog.Logger, opts ...Option) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}

	b := &Broker{
		cfg:       cfg,
		store:     store,
		transport: transport,
		logger:    logger.With(slog.Int("partition", cfg.PartitionID)),
		metrics:   noopMetrics{},
		tracer:    otel.Tracer(tracerName),
		history:   newHistory(cfg.StatsHistory),
		drains:    haxmap.New[string, *drainState](),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.codec == nil {
		c, err := codec.New(codec.DefaultCompressionThreshold)
		if err != nil {
			return nil, err
		}
		b.codec = c
		b.ownsCodec = true
	}

	b.registry = NewRegistry(store, b.codec)
	b.queue = NewQueue(store, b.codec, cfg.BatchSize)

	return b, nil
}

// PartitionID returns the partition this broker serves.
func (b *Broker) PartitionID() int {
	return b.cfg.PartitionID
}

// Registry returns the subscription registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Queue returns the delivery queue.
func (b *Broker) Queue() *Queue {
	return b.queue
}

// Start launches the dispatch loop.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.run(ctx)

	if b.relay != nil {
		b.wg.Add(1)
		go b.maintainRelay(ctx)
	}

	b.logger.Info("broker started",
		slog.Duration("due_time", b.cfg.DueTime),
		slog.Duration("period", b.cfg.Period),
		slog.String("strategy", b.cfg.Strategy.String()))
	return nil
}

// Stop cancels the dispatch loop, aborts in-flight deliveries and waits for
// running drains to finish or ctx to expire. Undelivered messages stay queued.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for drains: %w", ctx.Err()))
	}

	if b.relay != nil {
		if err := b.relay.release(ctx, b.logger); err != nil {
			errs = append(errs, err)
		}
	}

	b.logger.Info("broker stopped")
	return errors.Join(errs...)
}

// Close stops the broker if it is running and releases its resources. The
// store is owned by the caller and is left open.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if stopErr := b.Stop(ctx); stopErr != nil && !errors.Is(stopErr, ErrNotStarted) {
		err = stopErr
	}
	if b.ownsCodec {
		b.codec.Close()
	}
	return err
}

// Publish validates msg and durably appends it to its type's queue,
// counting it as received by every current subscriber. It returns once the
// write is committed; delivery happens in a later drain cycle.
func (b *Broker) Publish(ctx context.Context, msg types.MessageWrapper) (types.QueuedMessage, error) {
	if err := msg.Validate(b.cfg.MaxMessageSize); err != nil {
		return types.QueuedMessage{}, err
	}

	ctx, span := b.tracer.Start(ctx, "broker.publish", trace.WithAttributes(
		attribute.String("message_type", msg.MessageType),
		attribute.Int("partition", b.cfg.PartitionID),
		attribute.Int("payload_size", len(msg.Payload)),
	))
	defer span.End()

	var qm types.QueuedMessage
	err := b.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		qm, err = b.queue.enqueueTxn(txn, msg.MessageType, msg, time.Now())
		if err != nil {
			return err
		}
		return b.registry.incrementReceivedTxn(txn, msg.MessageType)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return types.QueuedMessage{}, fmt.Errorf("failed to enqueue %s: %w", msg.MessageType, err)
	}

	b.metrics.RecordPublish(msg.MessageType, len(msg.Payload))
	b.logger.Debug("message enqueued",
		slog.String("message_type", msg.MessageType),
		slog.String("id", qm.ID),
		slog.Uint64("sequence", qm.Sequence))

	return qm, nil
}

// ReceiveMessage implements endpoint.Handler so a broker can subscribe to
// another broker.
func (b *Broker) ReceiveMessage(ctx context.Context, msg types.MessageWrapper) error {
	_, err := b.Publish(ctx, msg)
	return err
}

// Register subscribes ref to messageType. It reports whether the
// registration is new.
func (b *Broker) Register(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return false, err
	}
	if err := ref.Validate(); err != nil {
		return false, err
	}

	added, err := b.registry.Register(ctx, messageType, ref)
	if err != nil {
		return false, fmt.Errorf("failed to register %s for %s: %w", ref.Key(), messageType, err)
	}
	if added {
		b.logger.Info("subscriber registered",
			slog.String("message_type", messageType),
			slog.String("reference", ref.Key()))
		b.notify(ctx, events.SubscriberRegistered{
			MessageType: messageType,
			Reference:   ref.Key(),
			Partition:   b.cfg.PartitionID,
		})
	}
	return added, nil
}

// Unregister removes ref from the subscribers of messageType. It reports
// whether a registration was removed.
func (b *Broker) Unregister(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return false, err
	}
	if err := ref.Validate(); err != nil {
		return false, err
	}

	var removed bool
	err := b.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		if removed, err = b.registry.unregisterTxn(txn, messageType, ref); err != nil || !removed {
			return err
		}
		_, err = b.pruneTxn(txn, messageType)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to unregister %s from %s: %w", ref.Key(), messageType, err)
	}
	if removed {
		b.logger.Info("subscriber unregistered",
			slog.String("message_type", messageType),
			slog.String("reference", ref.Key()))
		b.notify(ctx, events.SubscriberUnregistered{
			MessageType: messageType,
			Reference:   ref.Key(),
			Partition:   b.cfg.PartitionID,
		})
	}
	return removed, nil
}

// Subscribers returns the current subscribers of messageType.
func (b *Broker) Subscribers(ctx context.Context, messageType string) ([]types.ReferenceWrapper, error) {
	return b.registry.Subscribers(ctx, messageType)
}

// Depth returns the number of queued messages of messageType.
func (b *Broker) Depth(ctx context.Context, messageType string) (int, error) {
	return b.queue.Depth(ctx, messageType)
}

// DeadLetters lists the dead-lettered messages of messageType.
func (b *Broker) DeadLetters(ctx context.Context, messageType string) ([]types.QueuedMessage, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return nil, err
	}
	return b.queue.DeadLetters(ctx, messageType)
}

// RetryDeadLetters requeues the dead letters of messageType.
func (b *Broker) RetryDeadLetters(ctx context.Context, messageType string) (int, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return 0, err
	}
	n, err := b.queue.RetryDeadLetters(ctx, messageType)
	if err == nil && n > 0 {
		b.logger.Info("dead letters requeued",
			slog.String("message_type", messageType),
			slog.Int("count", n))
		b.notify(ctx, events.DeadLettersRetried{MessageType: messageType, Partition: b.cfg.PartitionID, Count: n})
	}
	return n, err
}

// PurgeDeadLetters deletes the dead letters of messageType.
func (b *Broker) PurgeDeadLetters(ctx context.Context, messageType string) (int, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return 0, err
	}

	var n int
	err := b.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		if n, err = b.queue.purgeDeadTxn(txn, messageType); err != nil {
			return err
		}
		_, err = b.pruneTxn(txn, messageType)
		return err
	})
	if err == nil && n > 0 {
		b.logger.Info("dead letters purged",
			slog.String("message_type", messageType),
			slog.Int("count", n))
		b.notify(ctx, events.DeadLettersPurged{MessageType: messageType, Partition: b.cfg.PartitionID, Count: n})
	}
	return n, err
}

// pruneTxn drops messageType from the type index once it has no
// subscribers, no queued messages and no dead letters. It reports whether
// the type was dropped.
func (b *Broker) pruneTxn(txn storage.Txn, messageType string) (bool, error) {
	has, err := b.registry.hasSubscribersTxn(txn, messageType)
	if err != nil || has {
		return false, err
	}
	empty, err := b.queue.emptyTxn(txn, messageType)
	if err != nil || !empty {
		return false, err
	}
	return true, txn.Delete(typeKey(messageType))
}
