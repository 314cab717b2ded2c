// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
)

// Cursor iterates a message type's queue in sequence order. Items are read
// lazily in batches, each batch in its own short read transaction, so
// items enqueued while a cursor is open are visible until it is exhausted.
//
//	c := q.Drain(ctx, messageType)
//	for c.Next() {
//		qm := c.Message()
//	}
//	if err := c.Err(); err != nil {
//		...
//	}
type Cursor struct {
	ctx         context.Context
	queue       *Queue
	messageType string

	buf  []types.QueuedMessage
	pos  int
	next uint64
	cur  types.QueuedMessage
	done bool
	err  error
}

// Next advances to the next item. It returns false when the queue is
// exhausted or an error occurred.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.buf) {
		if c.done {
			return false
		}
		if err := c.load(); err != nil {
			c.err = err
			return false
		}
		if len(c.buf) == 0 {
			c.done = true
			return false
		}
	}

	c.cur = c.buf[c.pos]
	c.pos++
	return true
}

// Message returns the current item.
func (c *Cursor) Message() types.QueuedMessage {
	return c.cur
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Reset restarts the cursor from the head of the queue.
func (c *Cursor) Reset() {
	c.buf = nil
	c.pos = 0
	c.next = 1
	c.cur = types.QueuedMessage{}
	c.done = false
	c.err = nil
}

func (c *Cursor) load() error {
	if err := c.ctx.Err(); err != nil {
		return err
	}

	batch := make([]types.QueuedMessage, 0, c.queue.batchSize)
	err := c.queue.store.View(c.ctx, func(txn storage.Txn) error {
		return txn.Iterate(queuePrefix(c.messageType), queueKey(c.messageType, c.next), func(_, value []byte) error {
			var qm types.QueuedMessage
			if err := c.queue.codec.Unmarshal(value, &qm); err != nil {
				return err
			}
			batch = append(batch, qm)
			if len(batch) == c.queue.batchSize {
				return storage.ErrStopIteration
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	c.buf = batch
	c.pos = 0
	if len(batch) > 0 {
		c.next = batch[len(batch)-1].Sequence + 1
	}
	if len(batch) < c.queue.batchSize {
		c.done = true
	}
	return nil
}
