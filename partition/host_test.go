// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	service   = "fluxbus"
	ordered   = "OrderPlaced"         // partition 2 of 4
	qualified = "fluxbus.OrderPlaced" // partition 3 of 4
)

func memoryStores(_ int) (storage.Store, error) {
	return memory.New(), nil
}

func testConfig() Config {
	bcfg := broker.DefaultConfig()
	bcfg.DueTime = 10 * time.Millisecond
	bcfg.Period = 20 * time.Millisecond
	bcfg.DeliveryTimeout = time.Second

	return Config{
		Service:        service,
		PartitionCount: 4,
		AdvertiseAddr:  "http://127.0.0.1:7070",
		Broker:         bcfg,
	}
}

func newHost(t *testing.T, cfg Config, transport endpoint.Transport, opts ...Option) *Host {
	t.Helper()
	if transport == nil {
		transport = endpoint.NewLocal()
	}
	h, err := New(cfg, memoryStores, transport, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		desc   string
		modify func(*Config)
		ok     bool
	}{
		{desc: "valid", modify: func(*Config) {}, ok: true},
		{desc: "subset", modify: func(c *Config) { c.Partitions = []int{0, 3} }, ok: true},
		{desc: "empty service", modify: func(c *Config) { c.Service = "" }},
		{desc: "zero partitions", modify: func(c *Config) { c.PartitionCount = 0 }},
		{desc: "out of range", modify: func(c *Config) { c.Partitions = []int{4} }},
		{desc: "duplicate", modify: func(c *Config) { c.Partitions = []int{1, 1} }},
		{desc: "discovery without address", modify: func(c *Config) {
			c.EnableAutoDiscovery = true
			c.AdvertiseAddr = ""
		}},
		{desc: "invalid broker", modify: func(c *Config) { c.Broker.Period = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}
}

func TestNew_StoreFailure(t *testing.T) {
	var mu sync.Mutex
	var opened []*memory.Store
	stores := func(p int) (storage.Store, error) {
		if p == 2 {
			return nil, errors.New("disk full")
		}
		s := memory.New()
		mu.Lock()
		opened = append(opened, s)
		mu.Unlock()
		return s, nil
	}

	_, err := New(testConfig(), stores, endpoint.NewLocal(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition 2")

	for _, s := range opened {
		err := s.View(context.Background(), func(storage.Txn) error { return nil })
		assert.ErrorIs(t, err, storage.ErrClosed)
	}
}

func TestHost_Partitions(t *testing.T) {
	h := newHost(t, testConfig(), nil)
	assert.Equal(t, []int{0, 1, 2, 3}, h.Partitions())
	assert.Equal(t, 4, h.PartitionCount())
	assert.Equal(t, service, h.Service())

	cfg := testConfig()
	cfg.Partitions = []int{3, 1}
	h = newHost(t, cfg, nil)
	assert.Equal(t, []int{1, 3}, h.Partitions())

	_, err := h.Broker(0)
	assert.ErrorIs(t, err, ErrNotHosted)
	b, err := h.Broker(3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.PartitionID())
}

func TestHost_Route(t *testing.T) {
	h := newHost(t, testConfig(), nil)

	assert.Equal(t, 2, h.Owner(ordered))
	assert.Equal(t, 3, h.Owner(qualified))

	b, err := h.Route(2, ordered)
	require.NoError(t, err)
	assert.Equal(t, 2, b.PartitionID())

	_, err = h.Route(1, ordered)
	assert.ErrorIs(t, err, ErrWrongPartition)

	cfg := testConfig()
	cfg.Partitions = []int{0}
	h = newHost(t, cfg, nil)
	_, err = h.Route(2, ordered)
	assert.ErrorIs(t, err, ErrNotHosted)
}

func TestHost_Lifecycle(t *testing.T) {
	dir, err := cluster.NewStaticDirectory()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.EnableAutoDiscovery = true
	h := newHost(t, cfg, nil, WithDirectory(dir))
	ctx := context.Background()

	assert.ErrorIs(t, h.Stop(ctx), ErrNotRunning)
	require.NoError(t, h.Start(ctx))
	assert.True(t, h.Running())
	assert.ErrorIs(t, h.Start(ctx), ErrRunning)

	info, err := dir.Lookup(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, 4, info.PartitionCount)
	assert.Equal(t, []int{0, 1, 2, 3}, info.Partitions())
	addr, err := info.Address(2)
	require.NoError(t, err)
	assert.Equal(t, cfg.AdvertiseAddr, addr)

	require.NoError(t, h.Stop(ctx))
	assert.False(t, h.Running())

	_, err = dir.Lookup(ctx, service)
	assert.ErrorIs(t, err, cluster.ErrServiceNotFound)
}

func TestHost_NoDiscovery(t *testing.T) {
	dir, err := cluster.NewStaticDirectory()
	require.NoError(t, err)

	h := newHost(t, testConfig(), nil, WithDirectory(dir))
	require.NoError(t, h.Start(context.Background()))

	_, err = dir.Lookup(context.Background(), service)
	assert.ErrorIs(t, err, cluster.ErrServiceNotFound)
}

func TestHost_Delivery(t *testing.T) {
	local := endpoint.NewLocal()
	h := newHost(t, testConfig(), local)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	var mu sync.Mutex
	var got []string
	ref := types.ActorReference("billing", "1")
	require.NoError(t, local.Bind(ref, endpoint.HandlerFunc(func(_ context.Context, msg types.MessageWrapper) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Payload))
		return nil
	})))

	b, err := h.Route(h.Owner(ordered), ordered)
	require.NoError(t, err)
	_, err = b.Register(ctx, ordered, ref)
	require.NoError(t, err)

	msg := types.MessageWrapper{MessageType: ordered, Payload: []byte(`{"id":1}`)}
	require.NoError(t, h.Inbound().Deliver(ctx, h.Self(2), msg))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err = h.Inbound().Deliver(ctx, types.ServiceReference(service, "9"), msg)
	assert.ErrorIs(t, err, endpoint.ErrUnreachable)
}

type recordingSource struct {
	mu         sync.Mutex
	registered map[string]types.Reference
}

func (s *recordingSource) Register(_ context.Context, messageType string, ref types.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[messageType] = ref
	return nil
}

func (s *recordingSource) Unregister(_ context.Context, messageType string, _ types.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, messageType)
	return nil
}

func (s *recordingSource) snapshot() map[string]types.Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.Reference, len(s.registered))
	for k, v := range s.registered {
		out[k] = v
	}
	return out
}

func TestHost_Relay(t *testing.T) {
	source := &recordingSource{registered: make(map[string]types.Reference)}
	h := newHost(t, testConfig(), nil, WithRelay(source, ordered, qualified))
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	assert.Eventually(t, func() bool {
		return len(source.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := source.snapshot()
	assert.Equal(t, h.Self(2), got[ordered])
	assert.Equal(t, h.Self(3), got[qualified])

	b, err := h.Broker(2)
	require.NoError(t, err)
	assert.Equal(t, []string{ordered}, b.Relaying())

	require.NoError(t, h.Stop(ctx))
	assert.Empty(t, source.snapshot())
}
