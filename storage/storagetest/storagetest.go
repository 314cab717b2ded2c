// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behavioral suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/fluxbus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh, empty store for one test case. The factory is
// responsible for registering cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the suite against the stores produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		test func(t *testing.T, s storage.Store)
	}{
		{"get missing key", testGetMissing},
		{"set and get", testSetGet},
		{"delete", testDelete},
		{"rollback on error", testRollback},
		{"view is read-only", testViewReadOnly},
		{"iterate prefix in order", testIteratePrefix},
		{"iterate from start key", testIterateStart},
		{"iterate stop", testIterateStop},
		{"iterate sees own writes", testIterateOwnWrites},
		{"concurrent updates", testConcurrentUpdates},
		{"cancelled context", testCancelledContext},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.test(t, factory(t))
		})
	}
}

func set(t *testing.T, s storage.Store, kv ...string) {
	t.Helper()
	require.Zero(t, len(kv)%2)
	err := s.Update(context.Background(), func(txn storage.Txn) error {
		for i := 0; i < len(kv); i += 2 {
			if err := txn.Set([]byte(kv[i]), []byte(kv[i+1])); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func get(t *testing.T, s storage.Store, key string) ([]byte, error) {
	t.Helper()
	var val []byte
	err := s.View(context.Background(), func(txn storage.Txn) error {
		v, err := txn.Get([]byte(key))
		val = v
		return err
	})
	return val, err
}

func scan(t *testing.T, s storage.Store, prefix, start string) []string {
	t.Helper()
	var keys []string
	err := s.View(context.Background(), func(txn storage.Txn) error {
		var st []byte
		if start != "" {
			st = []byte(start)
		}
		return txn.Iterate([]byte(prefix), st, func(k, v []byte) error {
			keys = append(keys, fmt.Sprintf("%s=%s", k, v))
			return nil
		})
	})
	require.NoError(t, err)
	return keys
}

func testGetMissing(t *testing.T, s storage.Store) {
	_, err := get(t, s, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSetGet(t *testing.T, s storage.Store) {
	set(t, s, "a", "1", "b", "2")

	v, err := get(t, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	set(t, s, "a", "3")
	v, err = get(t, s, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), v)
}

func testDelete(t *testing.T, s storage.Store) {
	set(t, s, "a", "1")

	err := s.Update(context.Background(), func(txn storage.Txn) error {
		if err := txn.Delete([]byte("a")); err != nil {
			return err
		}
		return txn.Delete([]byte("never-existed"))
	})
	require.NoError(t, err)

	_, err = get(t, s, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRollback(t *testing.T, s storage.Store) {
	set(t, s, "keep", "1")
	boom := errors.New("boom")

	err := s.Update(context.Background(), func(txn storage.Txn) error {
		if err := txn.Set([]byte("keep"), []byte("2")); err != nil {
			return err
		}
		if err := txn.Set([]byte("new"), []byte("x")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := get(t, s, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = get(t, s, "new")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testViewReadOnly(t *testing.T, s storage.Store) {
	err := s.View(context.Background(), func(txn storage.Txn) error {
		return txn.Set([]byte("a"), []byte("1"))
	})
	assert.ErrorIs(t, err, storage.ErrReadOnly)

	err = s.View(context.Background(), func(txn storage.Txn) error {
		return txn.Delete([]byte("a"))
	})
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func testIteratePrefix(t *testing.T, s storage.Store) {
	set(t, s,
		"q\x00b\x00002", "b2",
		"q\x00a\x00002", "a2",
		"q\x00a\x00001", "a1",
		"q\x00ab\x00001", "ab1",
		"s\x00a\x00x", "sub",
	)

	keys := scan(t, s, "q\x00a\x00", "")
	assert.Equal(t, []string{"q\x00a\x00001=a1", "q\x00a\x00002=a2"}, keys)

	keys = scan(t, s, "q\x00", "")
	assert.Len(t, keys, 4)

	assert.Empty(t, scan(t, s, "z", ""))
}

func testIterateStart(t *testing.T, s storage.Store) {
	set(t, s, "p/1", "1", "p/2", "2", "p/3", "3", "p/4", "4")

	assert.Equal(t, []string{"p/3=3", "p/4=4"}, scan(t, s, "p/", "p/3"))
	assert.Len(t, scan(t, s, "p/", "a"), 4, "start before prefix begins at prefix")
	assert.Empty(t, scan(t, s, "p/", "p/5"))
}

func testIterateStop(t *testing.T, s storage.Store) {
	set(t, s, "k1", "1", "k2", "2", "k3", "3")

	var seen int
	err := s.View(context.Background(), func(txn storage.Txn) error {
		return txn.Iterate([]byte("k"), nil, func(k, v []byte) error {
			seen++
			if seen == 2 {
				return storage.ErrStopIteration
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
}

func testIterateOwnWrites(t *testing.T, s storage.Store) {
	set(t, s, "w/1", "1")

	var keys []string
	err := s.Update(context.Background(), func(txn storage.Txn) error {
		if err := txn.Set([]byte("w/2"), []byte("2")); err != nil {
			return err
		}
		return txn.Iterate([]byte("w/"), nil, func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"w/1", "w/2"}, keys)
}

func testConcurrentUpdates(t *testing.T, s storage.Store) {
	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("c/%02d/%03d", w, i)
				err := s.Update(context.Background(), func(txn storage.Txn) error {
					return txn.Set([]byte(key), []byte("v"))
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, scan(t, s, "c/", ""), workers*perWorker)
}

func testCancelledContext(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Update(ctx, func(txn storage.Txn) error {
		return txn.Set([]byte("a"), []byte("1"))
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = get(t, s, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
