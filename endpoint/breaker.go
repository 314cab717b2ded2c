// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxbus/types"
	"github.com/alphadose/haxmap"
	"github.com/sony/gobreaker"
)

var _ Transport = (*Breaker)(nil)

// BreakerConfig configures per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32
	// ResetTimeout is how long an open circuit stays open before probing.
	ResetTimeout time.Duration
}

// Breaker wraps a Transport with one circuit breaker per endpoint key so a
// dead subscriber is not hammered on every drain cycle.
type Breaker struct {
	next     Transport
	cfg      BreakerConfig
	breakers *haxmap.Map[string, *gobreaker.CircuitBreaker]
	logger   *slog.Logger
}

// NewBreaker wraps next.
func NewBreaker(next Transport, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}

	return &Breaker{
		next:     next,
		cfg:      cfg,
		breakers: haxmap.New[string, *gobreaker.CircuitBreaker](),
		logger:   logger,
	}
}

// Deliver forwards to the wrapped transport unless the endpoint's circuit is open.
func (b *Breaker) Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	cb := b.breaker(ref.Key())

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, b.next.Deliver(ctx, ref, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, ref.Key(), err)
	}
	return err
}

// State returns the breaker state of the endpoint identified by ref.
func (b *Breaker) State(ref types.Reference) gobreaker.State {
	if cb, ok := b.breakers.Get(ref.Key()); ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

func (b *Breaker) breaker(key string) *gobreaker.CircuitBreaker {
	cb, _ := b.breakers.GetOrCompute(key, func() *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     b.cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= b.cfg.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRejected)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				b.logger.Warn("subscriber circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	})
	return cb
}
