// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	limiter := NewKeyedLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow("192.168.1.1"), "token refilled")
}

func TestKeyedLimiter_DifferentKeys(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
	assert.False(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestKeyedLimiter_EmptyKey(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow(""))
	}
	assert.Zero(t, limiter.Len())
}

func TestKeyedLimiter_RemoveStale(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow("old")
	limiter.removeStale(time.Now().Add(3 * time.Minute))
	assert.Zero(t, limiter.Len())

	limiter.Allow("fresh")
	limiter.removeStale(time.Now())
	assert.Equal(t, 1, limiter.Len())
}

func TestKeyedLimiter_StopTwice(t *testing.T) {
	limiter := NewKeyedLimiter(1, 1, time.Minute)
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestPeerKey(t *testing.T) {
	cases := map[string]string{
		"10.0.0.1:5000": "10.0.0.1",
		"[::1]:8080":    "::1",
		"10.0.0.1":      "10.0.0.1",
		"":              "",
		"broker-a:7070": "broker-a",
	}
	for in, want := range cases {
		assert.Equal(t, want, PeerKey(in), in)
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	for i := 0; i < 1000; i++ {
		assert.True(t, m.AllowPublish("10.0.0.1:1"))
		assert.True(t, m.AllowSubscribe("10.0.0.1:1"))
	}
}

func TestManager_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Rate = 1
	cfg.Burst = 2
	cfg.SubscribeRate = 1
	cfg.SubscribeBurst = 1
	m := NewManager(cfg)
	defer m.Stop()

	// Ports differ, the host is shared.
	assert.True(t, m.AllowPublish("10.0.0.1:1"))
	assert.True(t, m.AllowPublish("10.0.0.1:2"))
	assert.False(t, m.AllowPublish("10.0.0.1:3"))
	assert.True(t, m.AllowPublish("10.0.0.2:1"))

	assert.True(t, m.AllowSubscribe("10.0.0.1:1"))
	assert.False(t, m.AllowSubscribe("10.0.0.1:1"))
}

func TestManager_ZeroRateUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SubscribeRate = 0
	m := NewManager(cfg)
	defer m.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, m.AllowSubscribe("10.0.0.1:1"))
	}
}
