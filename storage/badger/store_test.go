// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(Config{Dir: dir})
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := setupStore(t, t.TempDir())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStore_InMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := setupStore(t, dir)
	require.NoError(t, s.Update(ctx, func(txn storage.Txn) error {
		return txn.Set([]byte("durable"), []byte("yes"))
	}))
	require.NoError(t, s.Close())

	s = setupStore(t, dir)
	defer s.Close()

	err := s.View(ctx, func(txn storage.Txn) error {
		v, err := txn.Get([]byte("durable"))
		require.NoError(t, err)
		assert.Equal(t, []byte("yes"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_CloseTwice(t *testing.T) {
	s := setupStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Update(context.Background(), func(storage.Txn) error { return nil })
	assert.ErrorIs(t, err, storage.ErrClosed)
}
