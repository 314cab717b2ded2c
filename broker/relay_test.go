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

	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	broker *Broker

	mu       sync.Mutex
	failures int
}

func (u *upstream) Register(ctx context.Context, messageType string, ref types.Reference) error {
	u.mu.Lock()
	if u.failures > 0 {
		u.failures--
		u.mu.Unlock()
		return errors.New("upstream unavailable")
	}
	u.mu.Unlock()

	_, err := u.broker.Register(ctx, messageType, ref)
	return err
}

func (u *upstream) Unregister(ctx context.Context, messageType string, ref types.Reference) error {
	_, err := u.broker.Unregister(ctx, messageType, ref)
	return err
}

func TestBroker_Relay(t *testing.T) {
	ctx := context.Background()
	up := newFixture(t, testConfig())

	relayRef := types.ServiceReference("relay", "0")
	source := &upstream{broker: up.broker, failures: 1}

	downLocal := endpoint.NewLocal()
	down, err := New(testConfig(), memory.New(), downLocal, nil, WithRelay(source, relayRef, orderPlaced))
	require.NoError(t, err)
	t.Cleanup(func() { _ = down.Close() })
	require.NoError(t, up.local.Bind(relayRef, down))

	leaf := newSubscriber("orders", "leaf")
	require.NoError(t, downLocal.Bind(leaf.ref, leaf))
	_, err = down.Register(ctx, orderPlaced, leaf.ref)
	require.NoError(t, err)

	require.NoError(t, down.Start())

	assert.Eventually(t, func() bool {
		return len(down.Relaying()) == 1
	}, 2*time.Second, 10*time.Millisecond, "relay registration is retried after a failure")

	subs, err := up.broker.Subscribers(ctx, orderPlaced)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, relayRef.Key(), subs[0].Key())

	up.publish(t, orderPlaced, "m1")
	require.NoError(t, up.broker.DrainAll(ctx))
	assert.Equal(t, 0, up.depth(t, orderPlaced))

	assert.Eventually(t, func() bool {
		return len(leaf.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, down.Stop(stopCtx))

	subs, err = up.broker.Subscribers(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Empty(t, subs, "relay unregisters on stop")
	assert.Empty(t, down.Relaying())
}

type stalledUpstream struct {
	calls atomic.Int32
}

func (u *stalledUpstream) Register(ctx context.Context, _ string, _ types.Reference) error {
	u.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (u *stalledUpstream) Unregister(context.Context, string, types.Reference) error {
	return nil
}

func TestBroker_RelayDoesNotDelayDrains(t *testing.T) {
	source := &stalledUpstream{}
	f := newFixture(t, testConfig(), WithRelay(source, types.ServiceReference("relay", "0"), "x.Upstream", "y.Upstream"))

	a := newSubscriber("orders", "a")
	f.subscribe(t, orderPlaced, a)
	f.publish(t, orderPlaced, "m1")

	require.NoError(t, f.broker.Start())

	assert.Eventually(t, func() bool {
		return len(a.received()) == 1
	}, 500*time.Millisecond, 5*time.Millisecond, "local drains run while the upstream is stalled")
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Empty(t, f.broker.Relaying())

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.broker.Stop(stopCtx))
}
