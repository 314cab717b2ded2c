// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	"github.com/absmach/fluxbus/ratelimit"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// OrderPlaced is owned by partition 2 of 4.
const orderPlaced = "OrderPlaced"

type env struct {
	host   *partition.Host
	local  *endpoint.Local
	client *rpc.BrokerServiceClient
	subs   *rpc.SubscriberServiceClient
}

func newEnv(t *testing.T, limiter *ratelimit.Manager, modify func(*partition.Config)) *env {
	t.Helper()

	bcfg := broker.DefaultConfig()
	bcfg.DueTime = 10 * time.Millisecond
	bcfg.Period = 20 * time.Millisecond
	bcfg.DeliveryTimeout = time.Second

	cfg := partition.Config{
		Service:        "fluxbus",
		PartitionCount: 4,
		Broker:         bcfg,
	}
	if modify != nil {
		modify(&cfg)
	}

	local := endpoint.NewLocal()
	stores := func(int) (storage.Store, error) { return memory.New(), nil }
	host, err := partition.New(cfg, stores, local, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close(context.Background()) })

	srv := httptest.NewServer(NewMux(host, limiter, nil))
	t.Cleanup(srv.Close)

	return &env{
		host:   host,
		local:  local,
		client: rpc.NewBrokerServiceClient(srv.Client(), srv.URL),
		subs:   rpc.NewSubscriberServiceClient(srv.Client(), srv.URL),
	}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.host.Start(context.Background()))
}

func publishRequest(p int, mt, payload string) *connect.Request[rpc.PublishRequest] {
	return connect.NewRequest(&rpc.PublishRequest{
		Partition: p,
		Message:   types.MessageWrapper{MessageType: mt, Payload: []byte(payload)},
	})
}

func TestPublish(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)
	ctx := context.Background()

	resp, err := e.client.Publish(ctx, publishRequest(2, orderPlaced, `{"id":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Msg.ID)
	assert.Equal(t, uint64(1), resp.Msg.Sequence)

	resp, err = e.client.Publish(ctx, publishRequest(2, orderPlaced, `{"id":2}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.Msg.Sequence)

	b, err := e.host.Broker(2)
	require.NoError(t, err)
	depth, err := b.Depth(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestPublish_Errors(t *testing.T) {
	cases := []struct {
		desc      string
		partition int
		mt        string
		code      connect.Code
		permanent bool
		misrouted bool
	}{
		{desc: "wrong partition", partition: 1, mt: orderPlaced, code: connect.CodeFailedPrecondition, misrouted: true},
		{desc: "empty type", partition: 2, mt: "", code: connect.CodeInvalidArgument, permanent: true},
		{desc: "invalid type", partition: 2, mt: "a|b", code: connect.CodeInvalidArgument, permanent: true},
	}

	e := newEnv(t, nil, nil)
	e.start(t)

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := e.client.Publish(context.Background(), publishRequest(tc.partition, tc.mt, `{}`))
			require.Error(t, err)
			assert.Equal(t, tc.code, connect.CodeOf(err))
			assert.Equal(t, tc.permanent, rpc.IsPermanent(err))
			assert.Equal(t, tc.misrouted, rpc.IsMisrouted(err))
		})
	}
}

func TestPublish_NotHosted(t *testing.T) {
	e := newEnv(t, nil, func(c *partition.Config) { c.Partitions = []int{0, 1} })
	e.start(t)

	_, err := e.client.Publish(context.Background(), publishRequest(2, orderPlaced, `{}`))
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	assert.True(t, rpc.IsMisrouted(err))
}

func TestPublish_NotRunning(t *testing.T) {
	e := newEnv(t, nil, nil)

	_, err := e.client.Publish(context.Background(), publishRequest(2, orderPlaced, `{}`))
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
}

func TestPublish_TooLarge(t *testing.T) {
	e := newEnv(t, nil, func(c *partition.Config) { c.Broker.MaxMessageSize = 8 })
	e.start(t)

	_, err := e.client.Publish(context.Background(), publishRequest(2, orderPlaced, `{"large":true}`))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestRegisterUnregister(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)
	ctx := context.Background()

	req := func() *connect.Request[rpc.SubscriptionRequest] {
		return connect.NewRequest(&rpc.SubscriptionRequest{
			Partition:   2,
			MessageType: orderPlaced,
			Reference:   types.ActorReference("billing", "1"),
		})
	}

	resp, err := e.client.Register(ctx, req())
	require.NoError(t, err)
	assert.True(t, resp.Msg.Changed)

	resp, err = e.client.Register(ctx, req())
	require.NoError(t, err)
	assert.False(t, resp.Msg.Changed)

	b, err := e.host.Broker(2)
	require.NoError(t, err)
	subs, err := b.Subscribers(ctx, orderPlaced)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	resp, err = e.client.Unregister(ctx, req())
	require.NoError(t, err)
	assert.True(t, resp.Msg.Changed)

	resp, err = e.client.Unregister(ctx, req())
	require.NoError(t, err)
	assert.False(t, resp.Msg.Changed)
}

func TestRegister_InvalidReference(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	_, err := e.client.Register(context.Background(), connect.NewRequest(&rpc.SubscriptionRequest{
		Partition:   2,
		MessageType: orderPlaced,
		Reference:   types.Reference{Kind: types.KindActor},
	}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestStats(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)
	ctx := context.Background()

	_, err := e.client.Register(ctx, connect.NewRequest(&rpc.SubscriptionRequest{
		Partition:   2,
		MessageType: orderPlaced,
		Reference:   types.ActorReference("billing", "1"),
	}))
	require.NoError(t, err)

	resp, err := e.client.Stats(ctx, connect.NewRequest(&rpc.StatsRequest{Partition: 2}))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Msg.Partition)
	assert.Len(t, resp.Msg.Stats.Subscribers, 1)

	_, err = e.client.Stats(ctx, connect.NewRequest(&rpc.StatsRequest{Partition: 7}))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestDeadLetters(t *testing.T) {
	e := newEnv(t, nil, func(c *partition.Config) { c.Broker.MaxDeliveryAttempts = 1 })
	e.start(t)
	ctx := context.Background()

	ref := types.ActorReference("billing", "1")
	require.NoError(t, e.local.Bind(ref, endpoint.HandlerFunc(func(context.Context, types.MessageWrapper) error {
		return errors.New("billing down")
	})))
	_, err := e.client.Register(ctx, connect.NewRequest(&rpc.SubscriptionRequest{
		Partition:   2,
		MessageType: orderPlaced,
		Reference:   ref,
	}))
	require.NoError(t, err)

	_, err = e.client.Publish(ctx, publishRequest(2, orderPlaced, `{"id":1}`))
	require.NoError(t, err)

	dlReq := func() *connect.Request[rpc.DeadLetterRequest] {
		return connect.NewRequest(&rpc.DeadLetterRequest{Partition: 2, MessageType: orderPlaced})
	}

	assert.Eventually(t, func() bool {
		resp, err := e.client.DeadLetters(ctx, dlReq())
		return err == nil && len(resp.Msg.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b, err := e.host.Broker(2)
	require.NoError(t, err)
	require.NoError(t, b.Stop(ctx))

	retried, err := e.client.RetryDeadLetters(ctx, dlReq())
	require.NoError(t, err)
	assert.Equal(t, 1, retried.Msg.Count)

	depth, err := b.Depth(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	purged, err := e.client.PurgeDeadLetters(ctx, dlReq())
	require.NoError(t, err)
	assert.Zero(t, purged.Msg.Count)

	_, err = e.client.DeadLetters(ctx, connect.NewRequest(&rpc.DeadLetterRequest{Partition: 2}))
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}

func TestRateLimit(t *testing.T) {
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Rate = 0.001
	cfg.Burst = 1
	limiter := ratelimit.NewManager(cfg)
	t.Cleanup(limiter.Stop)

	e := newEnv(t, limiter, nil)
	e.start(t)
	ctx := context.Background()

	_, err := e.client.Publish(ctx, publishRequest(2, orderPlaced, `{}`))
	require.NoError(t, err)

	_, err = e.client.Publish(ctx, publishRequest(2, orderPlaced, `{}`))
	require.Error(t, err)
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))
	assert.False(t, rpc.IsPermanent(err))

	_, err = e.client.Stats(ctx, connect.NewRequest(&rpc.StatsRequest{Partition: 2}))
	assert.NoError(t, err)
}

func TestReceiveMessage(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)
	ctx := context.Background()

	msg := types.MessageWrapper{MessageType: orderPlaced, Payload: []byte(`{"id":1}`)}
	_, err := e.subs.ReceiveMessage(ctx, connect.NewRequest(&rpc.DeliverRequest{
		Reference: e.host.Self(2),
		Message:   msg,
	}))
	require.NoError(t, err)

	b, err := e.host.Broker(2)
	require.NoError(t, err)
	depth, err := b.Depth(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	_, err = e.subs.ReceiveMessage(ctx, connect.NewRequest(&rpc.DeliverRequest{
		Reference: types.ActorReference("unknown", "1"),
		Message:   msg,
	}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = e.subs.ReceiveMessage(ctx, connect.NewRequest(&rpc.DeliverRequest{
		Reference: e.host.Self(2),
		Message:   types.MessageWrapper{},
	}))
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
}
