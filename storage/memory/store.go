// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory storage.Store. Transactions work on a
// copy-on-write clone of an ordered B-tree: commit swaps the clone in,
// rollback drops it.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxbus/storage"
	"github.com/google/btree"
)

var _ storage.Store = (*Store)(nil)

const degree = 32

type entry struct {
	key   []byte
	value []byte
}

func less(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Store is an in-memory transactional store.
type Store struct {
	writeMu sync.Mutex // serializes writers

	mu     sync.Mutex // guards tree and closed; btree.Clone mutates its receiver
	tree   *btree.BTreeG[entry]
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tree: btree.NewG(degree, less),
	}
}

func (s *Store) snapshot() (*btree.BTreeG[entry], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.tree.Clone(), nil
}

// View runs fn against a point-in-time snapshot.
func (s *Store) View(ctx context.Context, fn func(storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tree, err := s.snapshot()
	if err != nil {
		return err
	}
	return fn(&txn{tree: tree})
}

// Update runs fn against a private clone and publishes it on success.
func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tree, err := s.snapshot()
	if err != nil {
		return err
	}

	if err := fn(&txn{tree: tree, writable: true}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.tree = tree
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// Close discards all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tree = btree.NewG(degree, less)
	return nil
}

type txn struct {
	tree     *btree.BTreeG[entry]
	writable bool
}

func (t *txn) Get(key []byte) ([]byte, error) {
	e, ok := t.tree.Get(entry{key: key})
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (t *txn) Set(key, value []byte) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	t.tree.ReplaceOrInsert(entry{key: bytes.Clone(key), value: bytes.Clone(value)})
	return nil
}

func (t *txn) Delete(key []byte) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	t.tree.Delete(entry{key: key})
	return nil
}

func (t *txn) Iterate(prefix, start []byte, fn func(key, value []byte) error) error {
	var err error
	t.tree.AscendGreaterOrEqual(entry{key: storage.IterStart(prefix, start)}, func(e entry) bool {
		if !bytes.HasPrefix(e.key, prefix) {
			return false
		}
		if cbErr := fn(e.key, e.value); cbErr != nil {
			err = cbErr
			return false
		}
		return true
	})
	if errors.Is(err, storage.ErrStopIteration) {
		return nil
	}
	return err
}
