// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/broker/events"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DrainResult summarizes one drain cycle of one message type.
type DrainResult struct {
	// Attempted counts (message, subscriber) delivery attempts.
	Attempted int
	// Delivered counts acknowledged attempts.
	Delivered int
	// Failed counts failed attempts.
	Failed int
	// Removed counts messages acknowledged by every subscriber.
	Removed int
	// DeadLettered counts messages moved to the dead-letter namespace.
	DeadLettered int
}

func (r *DrainResult) add(o outcome) {
	r.Attempted += o.attempted
	r.Delivered += o.delivered
	r.Failed += o.failed
	if o.removed {
		r.Removed++
	}
	if o.deadLettered {
		r.DeadLettered++
	}
}

type outcome struct {
	attempted    int
	delivered    int
	failed       int
	removed      bool
	deadLettered bool
}

func (o outcome) settled() bool {
	return o.removed || o.deadLettered
}

func (b *Broker) run(ctx context.Context) {
	defer b.wg.Done()

	timer := time.NewTimer(b.cfg.DueTime)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(b.cfg.Period)
	defer ticker.Stop()

	for {
		b.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick starts one drain goroutine per known message type. Types whose
// previous drain is still running are skipped.
func (b *Broker) tick(ctx context.Context) {
	names, err := b.registry.MessageTypes(ctx)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("failed to list message types", slog.String("error", err.Error()))
		}
		return
	}

	for _, name := range names {
		st := b.drainState(name)
		if !st.running.TryLock() {
			b.logger.Debug("drain still running, skipping cycle", slog.String("message_type", name))
			continue
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer st.running.Unlock()

			if _, err := b.drain(ctx, name, st); err != nil && ctx.Err() == nil {
				b.logger.Error("drain failed",
					slog.String("message_type", name),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// Drain runs one drain cycle for messageType and waits for it to finish. It
// returns ErrDrainInProgress when a cycle for the type is already running.
func (b *Broker) Drain(ctx context.Context, messageType string) (DrainResult, error) {
	st := b.drainState(messageType)
	if !st.running.TryLock() {
		return DrainResult{}, ErrDrainInProgress
	}
	defer st.running.Unlock()

	return b.drain(ctx, messageType, st)
}

// DrainAll runs one drain cycle for every known message type, one type at
// a time. Types with a cycle already running are skipped.
func (b *Broker) DrainAll(ctx context.Context) error {
	names, err := b.registry.MessageTypes(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range names {
		if _, err := b.Drain(ctx, name); err != nil && !errors.Is(err, ErrDrainInProgress) {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) drainState(messageType string) *drainState {
	st, _ := b.drains.GetOrCompute(messageType, func() *drainState {
		return &drainState{}
	})
	return st
}

func (b *Broker) drain(ctx context.Context, messageType string, st *drainState) (DrainResult, error) {
	var res DrainResult
	start := time.Now()

	ctx, span := b.tracer.Start(ctx, "broker.drain", trace.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.Int("partition", b.cfg.PartitionID),
		attribute.String("strategy", b.cfg.Strategy.String()),
	))
	defer span.End()

	subs, err := b.registry.Subscribers(ctx, messageType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "subscriber lookup failed")
		return res, fmt.Errorf("failed to load subscribers: %w", err)
	}

	if len(subs) == 0 {
		var pruned bool
		err := b.store.Update(ctx, func(txn storage.Txn) error {
			var err error
			pruned, err = b.pruneTxn(txn, messageType)
			return err
		})
		if err == nil && pruned {
			// The caller holds st.running, so no drain of the type can start
			// on the stale state.
			b.drains.Del(messageType)
			b.history.forget(messageType)
			return res, nil
		}
		b.record(ctx, messageType)
		return res, err
	}

	cursor := b.queue.Drain(ctx, messageType)

	var errs []error
	switch b.cfg.Strategy {
	case Ordered:
		for cursor.Next() {
			o, err := b.deliver(ctx, messageType, cursor.Message(), subs, st)
			res.add(o)
			if err != nil {
				errs = append(errs, err)
				break
			}
			if !o.settled() {
				break
			}
		}
	default:
		var mu sync.Mutex
		g := new(errgroup.Group)
		g.SetLimit(b.cfg.MaxConcurrency)

		for cursor.Next() {
			qm := cursor.Message()
			g.Go(func() error {
				o, err := b.deliver(ctx, messageType, qm, subs, st)
				mu.Lock()
				res.add(o)
				mu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := cursor.Err(); err != nil && ctx.Err() == nil {
		errs = append(errs, fmt.Errorf("failed to read queue: %w", err))
	}

	elapsed := time.Since(start)
	b.metrics.RecordDrain(messageType, elapsed)
	b.record(ctx, messageType)

	span.SetAttributes(
		attribute.Int("attempted", res.Attempted),
		attribute.Int("delivered", res.Delivered),
		attribute.Int("removed", res.Removed),
	)

	if res.Attempted > 0 || res.Removed > 0 {
		b.logger.Debug("drain cycle finished",
			slog.String("message_type", messageType),
			slog.Int("subscribers", len(subs)),
			slog.Int("attempted", res.Attempted),
			slog.Int("delivered", res.Delivered),
			slog.Int("failed", res.Failed),
			slog.Int("removed", res.Removed),
			slog.Int("dead_lettered", res.DeadLettered),
			slog.Duration("duration", elapsed))
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
	}
	return res, err
}

// deliver attempts qm for every subscriber in subs that has not acknowledged
// it yet, then commits the acknowledgements. The item is removed once every
// subscriber in subs acknowledged it.
func (b *Broker) deliver(ctx context.Context, messageType string, qm types.QueuedMessage, subs []types.ReferenceWrapper, st *drainState) (outcome, error) {
	var (
		o       outcome
		acked   []string
		lastErr error
	)

	for _, s := range qm.Pending(subs) {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		err := b.deliverOne(ctx, s.Reference, qm.Message)
		b.metrics.RecordDelivery(messageType, time.Since(start), err)

		o.attempted++
		if err != nil {
			o.failed++
			lastErr = err
			b.logger.Debug("delivery failed",
				slog.String("message_type", messageType),
				slog.Uint64("sequence", qm.Sequence),
				slog.String("reference", s.Key()),
				slog.String("error", err.Error()))
			continue
		}
		o.delivered++
		acked = append(acked, s.Key())
	}

	interrupted := ctx.Err() != nil
	now := time.Now()

	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	// Acknowledgements are committed even when shutting down.
	err := b.store.Update(context.WithoutCancel(ctx), func(txn storage.Txn) error {
		o.removed, o.deadLettered = false, false

		cur, err := b.queue.getTxn(txn, messageType, qm.Sequence)
		if errors.Is(err, storage.ErrNotFound) {
			o.removed = true
			return nil
		}
		if err != nil {
			return err
		}

		var fresh []string
		for _, k := range acked {
			if cur.MarkDelivered(k) {
				fresh = append(fresh, k)
			}
		}
		if _, err := b.registry.incrementDeliveredTxn(txn, messageType, fresh); err != nil {
			return err
		}

		if len(cur.Pending(subs)) == 0 {
			o.removed = true
			return txn.Delete(queueKey(messageType, cur.Sequence))
		}

		if lastErr != nil && !interrupted {
			cur.Attempts++
			cur.LastAttemptAt = now.UTC()
			cur.LastError = lastErr.Error()
			if b.cfg.MaxDeliveryAttempts > 0 && cur.Attempts >= b.cfg.MaxDeliveryAttempts {
				o.deadLettered = true
				return b.queue.deadLetterTxn(txn, messageType, cur, now)
			}
		}
		return b.queue.putTxn(txn, messageType, cur)
	})
	if err != nil {
		return o, fmt.Errorf("failed to commit delivery of %s #%d: %w", messageType, qm.Sequence, err)
	}

	if o.deadLettered {
		b.metrics.RecordDeadLetter(messageType)
		b.logger.Warn("message moved to dead letters",
			slog.String("message_type", messageType),
			slog.String("id", qm.ID),
			slog.Uint64("sequence", qm.Sequence),
			slog.Int("attempts", b.cfg.MaxDeliveryAttempts),
			slog.String("error", lastErr.Error()))
		b.notify(ctx, events.MessageDeadLettered{
			MessageType: messageType,
			ID:          qm.ID,
			Sequence:    qm.Sequence,
			Partition:   b.cfg.PartitionID,
			Attempts:    b.cfg.MaxDeliveryAttempts,
			LastError:   lastErr.Error(),
			Payload:     qm.Message.Payload,
		})
	}

	return o, nil
}

func (b *Broker) deliverOne(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	if b.cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		defer cancel()
	}
	return b.transport.Deliver(ctx, ref, msg)
}
