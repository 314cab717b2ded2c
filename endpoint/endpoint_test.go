// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/pkg/hashing"
	"github.com/absmach/fluxbus/types"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMsg = types.MessageWrapper{MessageType: "orders.Placed", Payload: []byte(`{}`)}

type recorder struct {
	mu   sync.Mutex
	msgs []types.MessageWrapper
	err  error
}

func (r *recorder) ReceiveMessage(_ context.Context, msg types.MessageWrapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestLocal_Deliver(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()

	actor := types.ActorReference("orders", "1")
	svc := types.ServiceReference("billing", "0")

	actorRec := &recorder{}
	svcRec := &recorder{}
	require.NoError(t, local.Bind(actor, actorRec))
	require.NoError(t, local.Bind(svc, svcRec))

	require.NoError(t, local.Deliver(ctx, actor, testMsg))
	require.NoError(t, local.Deliver(ctx, svc, testMsg))
	require.NoError(t, local.Deliver(ctx, types.ServiceReference("billing", ""), testMsg))

	assert.Equal(t, 1, actorRec.count())
	assert.Equal(t, 2, svcRec.count())

	err := local.Deliver(ctx, types.ActorReference("orders", "2"), testMsg)
	assert.ErrorIs(t, err, ErrUnreachable)

	err = local.Deliver(ctx, types.ServiceReference("billing", "1"), testMsg)
	assert.ErrorIs(t, err, ErrUnreachable)

	err = local.Deliver(ctx, types.Reference{Kind: "queue"}, testMsg)
	assert.ErrorIs(t, err, ErrUnknownKind)

	local.Unbind(svc)
	err = local.Deliver(ctx, types.ServiceReference("billing", ""), testMsg)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestLocal_BindInvalid(t *testing.T) {
	err := NewLocal().Bind(types.ActorReference("", ""), &recorder{})
	assert.ErrorIs(t, err, types.ErrInvalidReference)
}

func TestLocal_CancelledContext(t *testing.T) {
	local := NewLocal()
	ref := types.ActorReference("orders", "1")
	rec := &recorder{}
	require.NoError(t, local.Bind(ref, rec))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, local.Deliver(ctx, ref, testMsg), context.Canceled)
	assert.Zero(t, rec.count())
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	failing := TransportFunc(func(context.Context, types.Reference, types.MessageWrapper) error {
		calls.Add(1)
		return ErrUnreachable
	})

	b := NewBreaker(failing, BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour}, nil)
	ref := types.ActorReference("orders", "1")

	for range 3 {
		assert.ErrorIs(t, b.Deliver(context.Background(), ref, testMsg), ErrUnreachable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State(ref))

	err := b.Deliver(context.Background(), ref, testMsg)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), calls.Load())

	other := types.ActorReference("orders", "2")
	assert.Equal(t, gobreaker.StateClosed, b.State(other))
}

func TestBreaker_RejectionKeepsCircuitClosed(t *testing.T) {
	rejecting := TransportFunc(func(context.Context, types.Reference, types.MessageWrapper) error {
		return ErrRejected
	})

	b := NewBreaker(rejecting, BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	ref := types.ActorReference("orders", "1")

	for range 5 {
		assert.ErrorIs(t, b.Deliver(context.Background(), ref, testMsg), ErrRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State(ref))
}

func TestDirectoryResolver(t *testing.T) {
	dir, err := cluster.NewStaticDirectory(
		cluster.Instance{Service: "orders", Partition: 0, PartitionCount: 3, Address: "http://a"},
		cluster.Instance{Service: "orders", Partition: 1, PartitionCount: 3, Address: "http://b"},
		cluster.Instance{Service: "orders", Partition: 2, PartitionCount: 3, Address: "http://c"},
	)
	require.NoError(t, err)

	r := NewDirectoryResolver(dir)
	ctx := context.Background()
	addrs := []string{"http://a", "http://b", "http://c"}

	addr, err := r.Resolve(ctx, types.ActorReference("orders", "customer-42"))
	require.NoError(t, err)
	assert.Equal(t, addrs[hashing.Partition("customer-42", 3)], addr)

	addr, err = r.Resolve(ctx, types.ServiceReference("orders", "2"))
	require.NoError(t, err)
	assert.Equal(t, "http://c", addr)

	addr, err = r.Resolve(ctx, types.ServiceReference("orders", ""))
	require.NoError(t, err)
	assert.Equal(t, "http://a", addr)

	_, err = r.Resolve(ctx, types.ServiceReference("orders", "x"))
	assert.ErrorIs(t, err, types.ErrInvalidReference)

	_, err = r.Resolve(ctx, types.ServiceReference("orders", "7"))
	assert.ErrorIs(t, err, cluster.ErrPartitionUnavailable)

	_, err = r.Resolve(ctx, types.ServiceReference("missing", ""))
	assert.ErrorIs(t, err, cluster.ErrServiceNotFound)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		ref  types.Reference
		want string
	}{
		{ref: types.ActorReference("orders", "42"), want: "fluxbus.deliver.actor.orders.42"},
		{ref: types.ActorReference("acme.orders", "a b"), want: "fluxbus.deliver.actor.acme_2Eorders.a_20b"},
		{ref: types.ActorReference("orders_eu", "*"), want: "fluxbus.deliver.actor.orders_5Feu._2A"},
		{ref: types.ServiceReference("billing", ""), want: "fluxbus.deliver.service.billing"},
		{ref: types.ServiceReference("billing", "3"), want: "fluxbus.deliver.service.billing.3"},
	}

	for _, tt := range tests {
		got, err := Subject(DefaultSubjectPrefix, tt.ref)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	got, err := Subject("", types.ActorReference("orders", "42"))
	require.NoError(t, err)
	assert.Equal(t, "fluxbus.deliver.actor.orders.42", got, "empty prefix uses the default")

	_, err = Subject(DefaultSubjectPrefix, types.Reference{Kind: types.KindActor})
	assert.True(t, errors.Is(err, types.ErrInvalidReference))
}

func TestSubject_DistinctReferences(t *testing.T) {
	pairs := [][2]types.Reference{
		{types.ActorReference("orders.eu", "42"), types.ActorReference("orders_eu", "42")},
		{types.ActorReference("orders", "a b"), types.ActorReference("orders", "a_b")},
		{types.ActorReference("orders", "a*"), types.ActorReference("orders", "a>")},
		{types.ActorReference("orders", "_2E"), types.ActorReference("orders", ".")},
		{types.ServiceReference("billing.eu", ""), types.ServiceReference("billing", "eu")},
	}

	for _, p := range pairs {
		a, err := Subject(DefaultSubjectPrefix, p[0])
		require.NoError(t, err)
		b, err := Subject(DefaultSubjectPrefix, p[1])
		require.NoError(t, err)
		assert.NotEqual(t, a, b, "%s and %s share a subject", p[0].Key(), p[1].Key())
	}
}
