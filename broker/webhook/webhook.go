// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle events to HTTP endpoints
// through a bounded worker pool with per-endpoint retries and circuit
// breakers.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/absmach/fluxbus/broker/events"
)

// Drop policies applied when the event queue is full.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// Notifier sends events asynchronously.
type Notifier interface {
	// Notify queues an event without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close stops the workers, flushing pending events.
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send posts payload to url. It returns an error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// Config holds webhook notification configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	QueueSize       int           `yaml:"queue_size"`
	DropPolicy      string        `yaml:"drop_policy"`      // "oldest" or "newest"
	Workers         int           `yaml:"workers"`          // Number of worker goroutines
	IncludePayload  bool          `yaml:"include_payload"`  // Include message payload in events
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Graceful shutdown timeout
	Defaults        Defaults      `yaml:"defaults"`
	Endpoints       []Endpoint    `yaml:"endpoints"`
}

// Defaults holds default settings for webhook endpoints.
type Defaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Endpoint defines a single webhook endpoint.
type Endpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	MessageTypes []string          `yaml:"message_types"` // Message type patterns (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// DefaultConfig returns a disabled configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       10000,
		DropPolicy:      DropOldest,
		Workers:         5,
		ShutdownTimeout: 30 * time.Second,
		Defaults: Defaults{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
	}
}

// Validate checks the configuration. A disabled configuration is always
// valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("webhook queue size must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("webhook workers must be positive")
	}
	if c.DropPolicy != DropOldest && c.DropPolicy != DropNewest {
		return fmt.Errorf("unknown webhook drop policy %q", c.DropPolicy)
	}
	if c.Defaults.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("webhook enabled without endpoints")
	}

	names := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("webhook endpoint %d: name is required", i)
		}
		if names[ep.Name] {
			return fmt.Errorf("webhook endpoint %q listed twice", ep.Name)
		}
		names[ep.Name] = true
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %q: url is required", ep.Name)
		}
		for _, pattern := range ep.MessageTypes {
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("webhook endpoint %q: invalid message type pattern %q: %w", ep.Name, pattern, err)
			}
		}
	}
	return nil
}
