// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits broker API calls per peer.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key. Buckets idle for two
// cleanup intervals are dropped.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter allowing r events per second per key
// with the given burst.
func NewKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyedLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether an event for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyedLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// PeerKey extracts the host part of a peer address. Addresses without a
// port are returned as is.
func PeerKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Rate and Burst limit publishes per peer per second.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	// SubscribeRate and SubscribeBurst limit register and unregister
	// calls per peer per second.
	SubscribeRate  float64 `yaml:"subscribe_rate"`
	SubscribeBurst int     `yaml:"subscribe_burst"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default configuration with limiting disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            1000,
		Burst:           100,
		SubscribeRate:   100,
		SubscribeBurst:  10,
		CleanupInterval: 5 * time.Minute,
	}
}

// Manager coordinates the publish and subscription limiters.
type Manager struct {
	publish   *KeyedLimiter
	subscribe *KeyedLimiter
	disabled  bool
}

// NewManager creates a rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true}
	}

	m := &Manager{}
	if cfg.Rate > 0 {
		m.publish = NewKeyedLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
	}
	if cfg.SubscribeRate > 0 {
		m.subscribe = NewKeyedLimiter(cfg.SubscribeRate, cfg.SubscribeBurst, cfg.CleanupInterval)
	}
	return m
}

// AllowPublish reports whether peer may publish now.
func (m *Manager) AllowPublish(peer string) bool {
	if m.disabled || m.publish == nil {
		return true
	}
	return m.publish.Allow(PeerKey(peer))
}

// AllowSubscribe reports whether peer may change a subscription now.
func (m *Manager) AllowSubscribe(peer string) bool {
	if m.disabled || m.subscribe == nil {
		return true
	}
	return m.subscribe.Allow(PeerKey(peer))
}

// Stop stops all limiters.
func (m *Manager) Stop() {
	if m.publish != nil {
		m.publish.Stop()
	}
	if m.subscribe != nil {
		m.subscribe.Stop()
	}
}
