// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
	"github.com/google/uuid"
)

// DefaultBatchSize is the number of queue items a cursor loads per read.
const DefaultBatchSize = 64

// Queue is the durable FIFO of pending messages per message type.
type Queue struct {
	store     storage.Store
	codec     *codec.Codec
	batchSize int
}

// NewQueue returns a queue persisted in store. A batchSize <= 0 uses
// DefaultBatchSize.
func NewQueue(store storage.Store, c *codec.Codec, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Queue{store: store, codec: c, batchSize: batchSize}
}

// Enqueue appends msg to the queue of messageType.
func (q *Queue) Enqueue(ctx context.Context, messageType string, msg types.MessageWrapper) (types.QueuedMessage, error) {
	var qm types.QueuedMessage
	err := q.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		qm, err = q.enqueueTxn(txn, messageType, msg, time.Now())
		return err
	})
	return qm, err
}

// Drain returns a cursor over the queue of messageType, oldest first. The
// cursor never removes items.
func (q *Queue) Drain(ctx context.Context, messageType string) *Cursor {
	return &Cursor{
		ctx:         ctx,
		queue:       q,
		messageType: messageType,
		next:        1,
	}
}

// Acknowledge removes the item with the given sequence.
func (q *Queue) Acknowledge(ctx context.Context, messageType string, seq uint64) error {
	return q.store.Update(ctx, func(txn storage.Txn) error {
		return txn.Delete(queueKey(messageType, seq))
	})
}

// Get returns the queued item with the given sequence.
func (q *Queue) Get(ctx context.Context, messageType string, seq uint64) (types.QueuedMessage, error) {
	var qm types.QueuedMessage
	err := q.store.View(ctx, func(txn storage.Txn) error {
		var err error
		qm, err = q.getTxn(txn, messageType, seq)
		return err
	})
	return qm, err
}

// Depth returns the number of queued items of messageType.
func (q *Queue) Depth(ctx context.Context, messageType string) (int, error) {
	var n int
	err := q.store.View(ctx, func(txn storage.Txn) error {
		var err error
		n, err = countTxn(txn, queuePrefix(messageType))
		return err
	})
	return n, err
}

// Sample returns the current statistics of the queue of messageType.
func (q *Queue) Sample(ctx context.Context, messageType string, now time.Time) (types.QueueStats, error) {
	s := types.QueueStats{SampledAt: now.UTC()}
	err := q.store.View(ctx, func(txn storage.Txn) error {
		var oldest time.Time
		err := txn.Iterate(queuePrefix(messageType), nil, func(_, value []byte) error {
			var qm types.QueuedMessage
			if err := q.codec.Unmarshal(value, &qm); err != nil {
				return err
			}
			// Requeued dead letters keep their enqueue time under a newer sequence.
			if oldest.IsZero() || qm.EnqueuedAt.Before(oldest) {
				oldest = qm.EnqueuedAt
			}
			s.Depth++
			return nil
		})
		if err != nil {
			return err
		}
		if !oldest.IsZero() {
			s.OldestAge = now.Sub(oldest)
		}
		s.DeadLetters, err = countTxn(txn, deadPrefix(messageType))
		return err
	})
	return s, err
}

func (q *Queue) enqueueTxn(txn storage.Txn, messageType string, msg types.MessageWrapper, now time.Time) (types.QueuedMessage, error) {
	seq, err := nextSeqTxn(txn, messageType)
	if err != nil {
		return types.QueuedMessage{}, err
	}

	qm := types.QueuedMessage{
		ID:         uuid.NewString(),
		Sequence:   seq,
		Message:    msg,
		EnqueuedAt: now.UTC(),
	}
	if err := q.putTxn(txn, messageType, qm); err != nil {
		return types.QueuedMessage{}, err
	}
	return qm, txn.Set(typeKey(messageType), indexValue)
}

func (q *Queue) getTxn(txn storage.Txn, messageType string, seq uint64) (types.QueuedMessage, error) {
	var qm types.QueuedMessage
	value, err := txn.Get(queueKey(messageType, seq))
	if err != nil {
		return qm, err
	}
	err = q.codec.Unmarshal(value, &qm)
	return qm, err
}

func (q *Queue) putTxn(txn storage.Txn, messageType string, qm types.QueuedMessage) error {
	value, err := q.codec.Marshal(qm)
	if err != nil {
		return err
	}
	return txn.Set(queueKey(messageType, qm.Sequence), value)
}

func (q *Queue) emptyTxn(txn storage.Txn, messageType string) (bool, error) {
	for _, prefix := range [][]byte{queuePrefix(messageType), deadPrefix(messageType)} {
		n, err := countTxn(txn, prefix)
		if err != nil || n > 0 {
			return false, err
		}
	}
	return true, nil
}

func nextSeqTxn(txn storage.Txn, messageType string) (uint64, error) {
	var seq uint64
	value, err := txn.Get(seqKey(messageType))
	switch {
	case err == nil:
		if seq, err = decodeUint64(value); err != nil {
			return 0, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return 0, err
	}

	seq++
	return seq, txn.Set(seqKey(messageType), encodeUint64(seq))
}

func countTxn(txn storage.Txn, prefix []byte) (int, error) {
	var n int
	err := txn.Iterate(prefix, nil, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
