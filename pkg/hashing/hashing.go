// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hashing provides the deterministic string hash used for partition
// routing and stable key derivation.
package hashing

import (
	"hash"
	"hash/fnv"
	"strings"
	"sync"
)

var hashPool = sync.Pool{
	New: func() interface{} {
		return fnv.New64a()
	},
}

// HashString returns the 64-bit FNV-1a hash of the upper-cased input,
// reinterpreted as a signed integer. The result is identical across
// processes and platforms for the same input.
func HashString(input string) int64 {
	hasher := hashPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hashPool.Put(hasher)
	}()

	hasher.Write([]byte(strings.ToUpper(input)))
	return int64(hasher.Sum64())
}

// Partition maps input onto one of count partitions. It returns 0 when count
// is not positive.
func Partition(input string, count int) int {
	if count <= 0 {
		return 0
	}
	return int(uint64(HashString(input)) % uint64(count))
}
