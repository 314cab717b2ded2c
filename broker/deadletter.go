// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"time"

	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
)

// DeadLetters returns the dead-lettered messages of messageType, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, messageType string) ([]types.QueuedMessage, error) {
	var msgs []types.QueuedMessage
	err := q.store.View(ctx, func(txn storage.Txn) error {
		var err error
		msgs, err = q.deadLettersTxn(txn, messageType)
		return err
	})
	return msgs, err
}

// RetryDeadLetters moves every dead letter of messageType back to the tail
// of its queue with a fresh sequence and a cleared attempt count.
// Subscribers that already acknowledged a message are not delivered to again.
func (q *Queue) RetryDeadLetters(ctx context.Context, messageType string) (int, error) {
	var n int
	err := q.store.Update(ctx, func(txn storage.Txn) error {
		dead, err := q.deadLettersTxn(txn, messageType)
		if err != nil {
			return err
		}

		n = 0
		for _, qm := range dead {
			if err := txn.Delete(deadKey(messageType, qm.Sequence)); err != nil {
				return err
			}
			seq, err := nextSeqTxn(txn, messageType)
			if err != nil {
				return err
			}
			qm.Sequence = seq
			qm.Attempts = 0
			qm.LastError = ""
			qm.LastAttemptAt = time.Time{}
			qm.DeadLetteredAt = time.Time{}
			if err := q.putTxn(txn, messageType, qm); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// PurgeDeadLetters deletes every dead letter of messageType.
func (q *Queue) PurgeDeadLetters(ctx context.Context, messageType string) (int, error) {
	var n int
	err := q.store.Update(ctx, func(txn storage.Txn) error {
		var err error
		n, err = q.purgeDeadTxn(txn, messageType)
		return err
	})
	return n, err
}

func (q *Queue) purgeDeadTxn(txn storage.Txn, messageType string) (int, error) {
	keys, err := storage.Keys(txn, deadPrefix(messageType))
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (q *Queue) deadLettersTxn(txn storage.Txn, messageType string) ([]types.QueuedMessage, error) {
	var msgs []types.QueuedMessage
	err := txn.Iterate(deadPrefix(messageType), nil, func(_, value []byte) error {
		var qm types.QueuedMessage
		if err := q.codec.Unmarshal(value, &qm); err != nil {
			return err
		}
		msgs = append(msgs, qm)
		return nil
	})
	return msgs, err
}

// deadLetterTxn moves qm from the queue to the dead-letter namespace.
func (q *Queue) deadLetterTxn(txn storage.Txn, messageType string, qm types.QueuedMessage, now time.Time) error {
	if err := txn.Delete(queueKey(messageType, qm.Sequence)); err != nil {
		return err
	}
	qm.DeadLetteredAt = now.UTC()
	value, err := q.codec.Marshal(qm)
	if err != nil {
		return err
	}
	return txn.Set(deadKey(messageType, qm.Sequence), value)
}
