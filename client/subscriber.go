// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/server/api"
	"github.com/absmach/fluxbus/types"
)

// Subscriber hosts message handlers for a process and keeps their
// broker subscriptions. Deliveries arrive through the SubscriberService
// mounted from Handler.
type Subscriber struct {
	client *Client
	local  *endpoint.Local
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*binding
}

type binding struct {
	ref   types.Reference
	types map[string]struct{}
}

// NewSubscriber returns a subscriber registering through c. A nil client
// limits the subscriber to local delivery.
func NewSubscriber(c *Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client: c,
		local:  endpoint.NewLocal(),
		logger: logger,
		subs:   make(map[string]*binding),
	}
}

// Transport returns the in-process transport holding the bound handlers.
func (s *Subscriber) Transport() endpoint.Transport {
	return s.local
}

// Handler returns the path and handler serving deliveries.
func (s *Subscriber) Handler() (string, http.Handler) {
	return rpc.NewSubscriberServiceHandler(api.NewSubscriberHandler(s.local, s.logger))
}

// Handle binds h to ref without registering it with the broker.
func (s *Subscriber) Handle(ref types.Reference, h endpoint.Handler) error {
	return s.local.Bind(ref, h)
}

// Remove unbinds ref and forgets its subscriptions without unregistering.
func (s *Subscriber) Remove(ref types.Reference) {
	s.mu.Lock()
	delete(s.subs, ref.Key())
	s.mu.Unlock()

	s.local.Unbind(ref)
}

// Subscribe binds h to ref and registers ref for each message type.
// Types registered before a failure stay registered.
func (s *Subscriber) Subscribe(ctx context.Context, ref types.Reference, h endpoint.Handler, messageTypes ...string) error {
	if s.client == nil {
		return ErrNoClient
	}
	if err := s.local.Bind(ref, h); err != nil {
		return err
	}

	for _, mt := range messageTypes {
		if err := s.client.Register(ctx, mt, ref); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", ref.Key(), err)
		}
		s.track(ref, mt)
		s.logger.Debug("subscribed",
			slog.String("reference", ref.Key()),
			slog.String("message_type", mt))
	}
	return nil
}

// Unsubscribe unregisters ref from the given message types, or from all
// of its message types when none are given. The handler is unbound once
// no subscriptions remain.
func (s *Subscriber) Unsubscribe(ctx context.Context, ref types.Reference, messageTypes ...string) error {
	if s.client == nil {
		return ErrNoClient
	}
	if len(messageTypes) == 0 {
		messageTypes = s.Subscriptions(ref)
		if len(messageTypes) == 0 {
			return ErrNotSubscribed
		}
	}

	var errs []error
	for _, mt := range messageTypes {
		if !s.tracked(ref, mt) {
			errs = append(errs, fmt.Errorf("%w: %s %s", ErrNotSubscribed, ref.Key(), mt))
			continue
		}
		if err := s.client.Unregister(ctx, mt, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		if s.untrack(ref, mt) {
			s.local.Unbind(ref)
		}
	}
	return errors.Join(errs...)
}

// Subscriptions returns the message types ref is subscribed to.
func (s *Subscriber) Subscriptions(ref types.Reference) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.subs[ref.Key()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(b.types))
	for mt := range b.types {
		out = append(out, mt)
	}
	return out
}

// Close unregisters every subscription and unbinds all handlers.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	refs := make([]types.Reference, 0, len(s.subs))
	for _, b := range s.subs {
		refs = append(refs, b.ref)
	}
	s.mu.Unlock()

	var errs []error
	for _, ref := range refs {
		if err := s.Unsubscribe(ctx, ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Subscriber) track(ref types.Reference, mt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.subs[ref.Key()]
	if !ok {
		b = &binding{ref: ref, types: make(map[string]struct{})}
		s.subs[ref.Key()] = b
	}
	b.types[mt] = struct{}{}
}

func (s *Subscriber) tracked(ref types.Reference, mt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.subs[ref.Key()]
	if !ok {
		return false
	}
	_, ok = b.types[mt]
	return ok
}

// untrack reports whether ref has no subscriptions left.
func (s *Subscriber) untrack(ref types.Reference, mt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.subs[ref.Key()]
	if !ok {
		return true
	}
	delete(b.types, mt)
	if len(b.types) == 0 {
		delete(s.subs, ref.Key())
		return true
	}
	return false
}
