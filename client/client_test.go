// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/server/api"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// OrderPlaced is owned by partition 2 of 4.
const orderPlaced = "OrderPlaced"

const partitions = 4

type invoice struct {
	Number int `json:"number"`
}

type countingClient struct {
	next  connect.HTTPClient
	calls atomic.Int64
}

func (c *countingClient) Do(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.next.Do(req)
}

// redirectDirectory serves a stale address for one partition until the
// first lookup has been answered.
type redirectDirectory struct {
	cluster.Directory
	partition int
	stale     string
	served    atomic.Bool
}

func (d *redirectDirectory) Lookup(ctx context.Context, service string) (cluster.ServiceInfo, error) {
	info, err := d.Directory.Lookup(ctx, service)
	if err != nil || d.served.Swap(true) {
		return info, err
	}
	endpoints := make(map[int]string, len(info.Endpoints))
	for p, addr := range info.Endpoints {
		endpoints[p] = addr
	}
	endpoints[d.partition] = d.stale
	info.Endpoints = endpoints
	return info, nil
}

type staticResolver struct {
	mu   sync.Mutex
	addr string
}

func (r *staticResolver) set(addr string) {
	r.mu.Lock()
	r.addr = addr
	r.mu.Unlock()
}

func (r *staticResolver) Resolve(context.Context, types.Reference) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr, nil
}

func newHost(t *testing.T, transport endpoint.Transport, hosted ...int) (*partition.Host, *httptest.Server) {
	t.Helper()

	bcfg := broker.DefaultConfig()
	bcfg.DueTime = 10 * time.Millisecond
	bcfg.Period = 20 * time.Millisecond
	bcfg.DeliveryTimeout = time.Second
	bcfg.MaxMessageSize = 1024

	if transport == nil {
		transport = endpoint.NewLocal()
	}
	stores := func(int) (storage.Store, error) { return memory.New(), nil }
	host, err := partition.New(partition.Config{
		Service:        router.DefaultService,
		PartitionCount: partitions,
		Partitions:     hosted,
		Broker:         bcfg,
	}, stores, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close(context.Background()) })

	srv := httptest.NewServer(api.NewMux(host, nil, nil))
	t.Cleanup(srv.Close)

	require.NoError(t, host.Start(context.Background()))
	return host, srv
}

func directory(t *testing.T, addrs map[int]string) *cluster.StaticDirectory {
	t.Helper()

	var instances []cluster.Instance
	for p := 0; p < partitions; p++ {
		instances = append(instances, cluster.Instance{
			Service:        router.DefaultService,
			Partition:      p,
			PartitionCount: partitions,
			Address:        addrs[p],
		})
	}
	dir, err := cluster.NewStaticDirectory(instances...)
	require.NoError(t, err)
	return dir
}

func single(addr string) map[int]string {
	addrs := make(map[int]string, partitions)
	for p := 0; p < partitions; p++ {
		addrs[p] = addr
	}
	return addrs
}

func newClient(t *testing.T, dir cluster.Directory, httpClient connect.HTTPClient) *Client {
	t.Helper()

	r := router.New(dir, router.Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxElapsed:     time.Second,
	}, nil)

	opts := NewOptions().
		SetHTTPClient(httpClient).
		SetCallTimeout(time.Second).
		SetMaxRetries(3).
		SetBackoff(time.Millisecond, 5*time.Millisecond)
	c, err := New(r, opts)
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrNoRouter)

	r := router.New(directory(t, single("http://127.0.0.1:1")), router.DefaultConfig(), nil)

	_, err = New(r, NewOptions().SetHTTPClient(nil))
	assert.ErrorIs(t, err, ErrNoHTTPClient)

	_, err = New(r, NewOptions().SetMaxRetries(0))
	assert.ErrorIs(t, err, ErrInvalidRetries)

	c, err := New(r, nil)
	require.NoError(t, err)
	assert.Same(t, r, c.Router())
}

func TestPublishMessage(t *testing.T) {
	host, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())
	ctx := context.Background()

	rcpt, err := c.PublishMessage(ctx, types.MessageWrapper{MessageType: orderPlaced, Payload: []byte(`{"id":1}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.ID)
	assert.Equal(t, uint64(1), rcpt.Sequence)
	assert.Equal(t, 2, rcpt.Partition)
	assert.Equal(t, srv.URL, rcpt.Address)

	b, err := host.Broker(2)
	require.NoError(t, err)
	depth, err := b.Depth(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestPublish(t *testing.T) {
	host, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())

	rcpt, err := c.Publish(context.Background(), invoice{Number: 7})
	require.NoError(t, err)
	assert.Equal(t, host.Owner(types.TypeName(invoice{})), rcpt.Partition)

	_, err = c.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrNilValue)
}

func TestPublish_Misrouted(t *testing.T) {
	_, stale := newHost(t, nil, 0, 1, 3)
	_, owner := newHost(t, nil, 2)

	addrs := single(stale.URL)
	addrs[2] = owner.URL
	dir := &redirectDirectory{
		Directory: directory(t, addrs),
		partition: 2,
		stale:     stale.URL,
	}

	hc := &countingClient{next: http.DefaultClient}
	c := newClient(t, dir, hc)

	rcpt, err := c.PublishMessage(context.Background(), types.MessageWrapper{MessageType: orderPlaced, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, owner.URL, rcpt.Address)
	assert.Equal(t, int64(2), hc.calls.Load())

	ep, err := c.Router().Resolve(context.Background(), orderPlaced)
	require.NoError(t, err)
	assert.Equal(t, owner.URL, ep.Address)
}

func TestPublish_Permanent(t *testing.T) {
	_, srv := newHost(t, nil)
	hc := &countingClient{next: srv.Client()}
	c := newClient(t, directory(t, single(srv.URL)), hc)

	payload := make([]byte, 2048)
	_, err := c.PublishMessage(context.Background(), types.MessageWrapper{MessageType: orderPlaced, Payload: payload})
	require.Error(t, err)
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))
	assert.Equal(t, int64(1), hc.calls.Load())
}

func TestPublish_Exhausted(t *testing.T) {
	_, srv := newHost(t, nil, 0, 1, 3)
	hc := &countingClient{next: srv.Client()}
	c := newClient(t, directory(t, single(srv.URL)), hc)

	_, err := c.PublishMessage(context.Background(), types.MessageWrapper{MessageType: orderPlaced, Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
	assert.Equal(t, int64(3), hc.calls.Load())
}

func TestPublish_Invalid(t *testing.T) {
	hc := &countingClient{next: http.DefaultClient}
	c := newClient(t, directory(t, single("http://127.0.0.1:1")), hc)

	_, err := c.PublishMessage(context.Background(), types.MessageWrapper{MessageType: "a|b"})
	assert.ErrorIs(t, err, types.ErrInvalidMessageType)
	assert.Zero(t, hc.calls.Load())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	host, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())
	ctx := context.Background()
	ref := types.ActorReference("billing", "1")

	changed, err := c.Subscribe(ctx, orderPlaced, ref)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, c.Register(ctx, orderPlaced, ref))

	b, err := host.Broker(2)
	require.NoError(t, err)
	subs, err := b.Subscribers(ctx, orderPlaced)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, ref.Key(), subs[0].Key())

	changed, err = c.Unsubscribe(ctx, orderPlaced, ref)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, c.Unregister(ctx, orderPlaced, ref))

	_, err = c.Subscribe(ctx, orderPlaced, types.Reference{Kind: types.KindActor})
	assert.ErrorIs(t, err, types.ErrInvalidReference)
}

func TestStats(t *testing.T) {
	_, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, orderPlaced, types.ActorReference("billing", "1")))

	stats, err := c.Stats(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, stats.Subscribers, 1)

	_, err = c.Stats(ctx, partitions)
	assert.Error(t, err)
}

func TestDeadLetters(t *testing.T) {
	_, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())
	ctx := context.Background()

	letters, err := c.DeadLetters(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Empty(t, letters)

	n, err := c.RetryDeadLetters(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.PurgeDeadLetters(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscriber(t *testing.T) {
	res := &staticResolver{}
	_, srv := newHost(t, endpoint.NewRPC(res, http.DefaultClient, time.Second))
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())

	sub := NewSubscriber(c, nil)
	mux := http.NewServeMux()
	mux.Handle(sub.Handler())
	subSrv := httptest.NewServer(mux)
	t.Cleanup(subSrv.Close)
	res.set(subSrv.URL)

	ctx := context.Background()
	ref := types.ActorReference("billing", "1")
	received := make(chan types.MessageWrapper, 1)
	handler := endpoint.HandlerFunc(func(_ context.Context, msg types.MessageWrapper) error {
		received <- msg
		return nil
	})

	require.NoError(t, sub.Subscribe(ctx, ref, handler, orderPlaced))
	assert.Equal(t, []string{orderPlaced}, sub.Subscriptions(ref))

	_, err := c.PublishMessage(ctx, types.MessageWrapper{MessageType: orderPlaced, Payload: []byte(`{"id":1}`)})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, orderPlaced, msg.MessageType)
		assert.JSONEq(t, `{"id":1}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Unsubscribe(ctx, ref))
	assert.Empty(t, sub.Subscriptions(ref))

	err = sub.Transport().Deliver(ctx, ref, types.MessageWrapper{MessageType: orderPlaced})
	assert.ErrorIs(t, err, endpoint.ErrUnreachable)

	err = sub.Unsubscribe(ctx, ref, orderPlaced)
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestSubscriber_NoClient(t *testing.T) {
	sub := NewSubscriber(nil, nil)
	ref := types.ActorReference("billing", "1")
	handler := endpoint.HandlerFunc(func(context.Context, types.MessageWrapper) error { return nil })

	assert.ErrorIs(t, sub.Subscribe(context.Background(), ref, handler, orderPlaced), ErrNoClient)

	require.NoError(t, sub.Handle(ref, handler))
	require.NoError(t, sub.Transport().Deliver(context.Background(), ref, types.MessageWrapper{MessageType: orderPlaced}))

	sub.Remove(ref)
	err := sub.Transport().Deliver(context.Background(), ref, types.MessageWrapper{MessageType: orderPlaced})
	assert.ErrorIs(t, err, endpoint.ErrUnreachable)
}

func TestSubscriber_Close(t *testing.T) {
	host, srv := newHost(t, nil)
	c := newClient(t, directory(t, single(srv.URL)), srv.Client())
	ctx := context.Background()

	sub := NewSubscriber(c, nil)
	handler := endpoint.HandlerFunc(func(context.Context, types.MessageWrapper) error { return nil })
	require.NoError(t, sub.Subscribe(ctx, types.ActorReference("billing", "1"), handler, orderPlaced, "InvoiceSent"))
	require.NoError(t, sub.Subscribe(ctx, types.ActorReference("billing", "2"), handler, orderPlaced))

	require.NoError(t, sub.Close(ctx))

	b, err := host.Broker(2)
	require.NoError(t, err)
	subs, err := b.Subscribers(ctx, orderPlaced)
	require.NoError(t, err)
	assert.Empty(t, subs)
}
