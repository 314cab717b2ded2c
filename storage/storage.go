// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the transactional key-value store that backs a
// single broker partition. Every registry and queue mutation goes through
// Store.Update so that a crash leaves either all or none of an operation's
// writes behind.
package storage

import (
	"bytes"
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrReadOnly = errors.New("transaction is read-only")
	ErrClosed   = errors.New("store is closed")

	// ErrStopIteration may be returned by an Iterate callback to end the
	// scan early. Iterate itself then returns nil.
	ErrStopIteration = errors.New("stop iteration")
)

// Store is a partition-scoped transactional key-value store.
type Store interface {
	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(Txn) error) error

	// Update runs fn inside a read-write transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise. Implementations
	// may re-run fn after an optimistic conflict, so fn must derive its writes
	// from what it reads through the transaction.
	Update(ctx context.Context, fn func(Txn) error) error

	// Close releases the underlying resources.
	Close() error
}

// Txn is a single store transaction.
type Txn interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores value under key.
	Set(key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Iterate calls fn in ascending key order for every key that has the
	// given prefix and is greater than or equal to start. A nil start begins
	// at the prefix. fn must not mutate the transaction; key and value are
	// only valid for the duration of the call.
	Iterate(prefix, start []byte, fn func(key, value []byte) error) error
}

// IterStart returns the key iteration should begin at for prefix and start.
func IterStart(prefix, start []byte) []byte {
	if len(start) == 0 || bytes.Compare(start, prefix) < 0 {
		return prefix
	}
	return start
}

// Exists reports whether key is present in txn.
func Exists(txn Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Keys collects every key under prefix. It is used when a caller needs to
// mutate the keys it scanned, which Iterate callbacks must not do.
func Keys(txn Txn, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := txn.Iterate(prefix, nil, func(key, _ []byte) error {
		keys = append(keys, bytes.Clone(key))
		return nil
	})
	return keys, err
}
