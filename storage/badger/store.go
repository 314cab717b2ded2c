// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB-backed storage.Store.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxbus/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

const (
	defaultGCInterval  = 5 * time.Minute
	maxConflictRetries = 10
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
	InMemory   bool
	GCInterval time.Duration
}

// Store is a BadgerDB-backed transactional store.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens (or creates) a BadgerDB store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

// View runs fn inside a read-only BadgerDB transaction.
func (s *Store) View(ctx context.Context, fn func(storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return storage.ErrClosed
	}
	return s.db.View(func(t *badger.Txn) error {
		return fn(&txn{txn: t})
	})
}

// Update runs fn inside a read-write BadgerDB transaction. Badger uses
// optimistic concurrency, so fn is re-run when the commit conflicts with a
// concurrent writer.
func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(func(t *badger.Txn) error {
			return fn(&txn{txn: t, writable: true})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("transaction conflict after %d attempts: %w", maxConflictRetries, err)
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten, which is fine.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

type txn struct {
	txn      *badger.Txn
	writable bool
}

func (t *txn) Get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *txn) Set(key, value []byte) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	return t.txn.Set(bytes.Clone(key), bytes.Clone(value))
}

func (t *txn) Delete(key []byte) error {
	if !t.writable {
		return storage.ErrReadOnly
	}
	return t.txn.Delete(bytes.Clone(key))
}

func (t *txn) Iterate(prefix, start []byte, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(storage.IterStart(prefix, start)); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		err := item.Value(func(val []byte) error {
			return fn(item.Key(), val)
		})
		if err != nil {
			if errors.Is(err, storage.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}
