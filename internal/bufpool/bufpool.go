// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers used to encode records.
package bufpool

import (
	"bytes"
	"sync"
)

// DefaultMaxCap is the largest buffer capacity kept for reuse.
const DefaultMaxCap = 64 * 1024

// Pool hands out reset buffers. Buffers grown past maxCap are dropped on
// Put so one large record does not pin its memory.
type Pool struct {
	maxCap int
	pool   sync.Pool
}

// New returns a pool keeping buffers up to maxCap bytes. A maxCap <= 0
// uses DefaultMaxCap.
func New(maxCap int) *Pool {
	if maxCap <= 0 {
		maxCap = DefaultMaxCap
	}
	return &Pool{
		maxCap: maxCap,
		pool:   sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool.
func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxCap {
		return
	}
	p.pool.Put(b)
}
