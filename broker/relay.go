// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/types"
)

// RelaySource is an upstream broker a relaying broker subscribes to.
type RelaySource interface {
	Register(ctx context.Context, messageType string, ref types.Reference) error
	Unregister(ctx context.Context, messageType string, ref types.Reference) error
}

// WithRelay makes the broker a relay: while running it keeps self
// registered with source for each message type, so messages published
// upstream are delivered to self, which must route to this broker's
// ReceiveMessage, and fanned out again to local subscribers.
func WithRelay(source RelaySource, self types.Reference, messageTypes ...string) Option {
	return func(b *Broker) {
		if source == nil || len(messageTypes) == 0 {
			return
		}
		b.relay = &relay{
			source:     source,
			self:       self,
			types:      messageTypes,
			registered: make(map[string]bool, len(messageTypes)),
		}
	}
}

type relay struct {
	source RelaySource
	self   types.Reference
	types  []string

	mu         sync.Mutex
	registered map[string]bool
}

// maintainRelay registers self upstream until every relayed type is
// registered, retrying once per period. It runs beside the dispatch loop so
// a slow upstream never delays local drains.
func (b *Broker) maintainRelay(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Period)
	defer ticker.Stop()

	for !b.relay.acquire(ctx, b.logger) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// acquire registers self upstream for every type not registered yet and
// reports whether all of them are. Upstream calls run without holding mu.
func (r *relay) acquire(ctx context.Context, logger *slog.Logger) bool {
	for _, mt := range r.pending() {
		if ctx.Err() != nil {
			return false
		}
		if err := r.source.Register(ctx, mt, r.self); err != nil {
			if ctx.Err() == nil {
				logger.Warn("failed to register relay upstream",
					slog.String("message_type", mt),
					slog.String("reference", r.self.Key()),
					slog.String("error", err.Error()))
			}
			continue
		}

		r.mu.Lock()
		r.registered[mt] = true
		r.mu.Unlock()
		logger.Info("relay registered upstream",
			slog.String("message_type", mt),
			slog.String("reference", r.self.Key()))
	}
	return len(r.pending()) == 0
}

func (r *relay) pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, mt := range r.types {
		if !r.registered[mt] {
			out = append(out, mt)
		}
	}
	return out
}

// release unregisters self upstream for every registered type.
func (r *relay) release(ctx context.Context, logger *slog.Logger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, mt := range r.types {
		if !r.registered[mt] {
			continue
		}
		if err := r.source.Unregister(ctx, mt, r.self); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister relay for %s: %w", mt, err))
			continue
		}
		delete(r.registered, mt)
		logger.Info("relay unregistered upstream", slog.String("message_type", mt))
	}
	return errors.Join(errs...)
}

// Relaying reports the message types currently registered upstream.
func (b *Broker) Relaying() []string {
	if b.relay == nil {
		return nil
	}

	b.relay.mu.Lock()
	defer b.relay.mu.Unlock()

	var out []string
	for _, mt := range b.relay.types {
		if b.relay.registered[mt] {
			out = append(out, mt)
		}
	}
	return out
}
