// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/require"
)

var errSubscriberDown = errors.New("subscriber down")

type subscriber struct {
	ref  types.Reference
	fail atomic.Bool

	mu       sync.Mutex
	payloads []string
	block    chan struct{}
	entered  chan struct{}
}

func newSubscriber(service, id string) *subscriber {
	return &subscriber{ref: types.ActorReference(service, id)}
}

func (s *subscriber) ReceiveMessage(ctx context.Context, msg types.MessageWrapper) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail.Load() {
		return errSubscriberDown
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(msg.Payload))
	return nil
}

func (s *subscriber) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

type fixture struct {
	store  *memory.Store
	local  *endpoint.Local
	broker *Broker
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DueTime = 10 * time.Millisecond
	cfg.Period = 20 * time.Millisecond
	cfg.DeliveryTimeout = time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	store := memory.New()
	local := endpoint.NewLocal()
	b, err := New(cfg, store, local, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return &fixture{store: store, local: local, broker: b}
}

func (f *fixture) subscribe(t *testing.T, messageType string, s *subscriber) {
	t.Helper()
	require.NoError(t, f.local.Bind(s.ref, s))
	_, err := f.broker.Register(context.Background(), messageType, s.ref)
	require.NoError(t, err)
}

func (f *fixture) publish(t *testing.T, messageType string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := f.broker.Publish(context.Background(), types.MessageWrapper{MessageType: messageType, Payload: []byte(p)})
		require.NoError(t, err)
	}
}

func (f *fixture) depth(t *testing.T, messageType string) int {
	t.Helper()
	n, err := f.broker.Depth(context.Background(), messageType)
	require.NoError(t, err)
	return n
}

func (f *fixture) wrapper(t *testing.T, messageType string, ref types.Reference) types.ReferenceWrapper {
	t.Helper()
	subs, err := f.broker.Subscribers(context.Background(), messageType)
	require.NoError(t, err)
	for _, s := range subs {
		if s.Key() == ref.Key() {
			return s
		}
	}
	t.Fatalf("subscriber %s not registered for %s", ref.Key(), messageType)
	return types.ReferenceWrapper{}
}

func newTestCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.DefaultCompressionThreshold)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s := memory.New()
	t.Cleanup(func() { _ = s.Close() })
	return s
}
