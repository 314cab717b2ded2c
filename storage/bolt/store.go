// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bolt provides a bbolt-backed storage.Store. All keys of a
// partition live in a single bucket.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxbus/storage"
	bbolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var bucketName = []byte("fluxbus")

// Config holds bbolt configuration.
type Config struct {
	Path        string
	NoSync      bool
	OpenTimeout time.Duration
}

// Store is a bbolt-backed transactional store.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the bbolt file at cfg.Path.
func New(cfg Config) (*Store, error) {
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(ctx context.Context, fn func(storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.db.View(func(tx *bbolt.Tx) error {
		return fn(&txn{bucket: tx.Bucket(bucketName)})
	}))
}

// Update runs fn inside a read-write bbolt transaction. bbolt allows a
// single writer at a time.
func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&txn{bucket: tx.Bucket(bucketName)})
	}))
}

// Close closes the bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, bbolt.ErrTxNotWritable):
		return storage.ErrReadOnly
	case errors.Is(err, bbolt.ErrDatabaseNotOpen):
		return storage.ErrClosed
	default:
		return err
	}
}

type txn struct {
	bucket *bbolt.Bucket
}

func (t *txn) Get(key []byte) ([]byte, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (t *txn) Set(key, value []byte) error {
	if !t.bucket.Writable() {
		return storage.ErrReadOnly
	}
	return t.bucket.Put(key, value)
}

func (t *txn) Delete(key []byte) error {
	if !t.bucket.Writable() {
		return storage.ErrReadOnly
	}
	return t.bucket.Delete(key)
}

func (t *txn) Iterate(prefix, start []byte, fn func(key, value []byte) error) error {
	c := t.bucket.Cursor()
	for k, v := c.Seek(storage.IterStart(prefix, start)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			if errors.Is(err, storage.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}
