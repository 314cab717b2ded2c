// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil runs in-process broker clusters for tests. Every node
// serves its partitions over httptest and registers them in a shared
// static directory; deliveries between nodes and subscribers go over RPC.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/client"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	"github.com/absmach/fluxbus/pkg/hashing"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/server/api"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/storage/memory"
	"github.com/stretchr/testify/require"
)

// TestCluster is a broker service spread over several nodes.
type TestCluster struct {
	t              *testing.T
	Service        string
	PartitionCount int
	Nodes          []*TestNode

	dir    *cluster.StaticDirectory
	mu     sync.Mutex
	owners map[int]*TestNode
}

// TestNode is one process of a test cluster.
type TestNode struct {
	ID         string
	Partitions []int
	Host       *partition.Host
	Server     *httptest.Server
	Addr       string

	stopped bool
}

type settings struct {
	service string
	dir     *cluster.StaticDirectory
	broker  func(*broker.Config)
	stores  partition.StoreFactory
	opts    []partition.Option
}

// Option customizes a test cluster.
type Option func(*settings)

// WithService names the broker service. The default is router.DefaultService.
func WithService(name string) Option {
	return func(s *settings) { s.service = name }
}

// WithDirectory shares dir with other clusters so they can reach each other.
func WithDirectory(dir *cluster.StaticDirectory) Option {
	return func(s *settings) { s.dir = dir }
}

// WithBrokerConfig adjusts the broker configuration of every partition.
func WithBrokerConfig(fn func(*broker.Config)) Option {
	return func(s *settings) { s.broker = fn }
}

// WithStores opens partition stores through factory instead of memory.
func WithStores(factory partition.StoreFactory) Option {
	return func(s *settings) { s.stores = factory }
}

// WithHostOptions passes options to every node's partition host.
func WithHostOptions(opts ...partition.Option) Option {
	return func(s *settings) { s.opts = append(s.opts, opts...) }
}

// NewDirectory returns an empty directory for WithDirectory.
func NewDirectory(t *testing.T) *cluster.StaticDirectory {
	t.Helper()

	dir, err := cluster.NewStaticDirectory()
	require.NoError(t, err)
	return dir
}

// NewTestCluster creates nodeCount nodes hosting partitionCount partitions.
// Partition p is hosted by node p % nodeCount. Nodes are not started.
func NewTestCluster(t *testing.T, nodeCount, partitionCount int, opts ...Option) *TestCluster {
	t.Helper()
	require.True(t, nodeCount > 0, "nodeCount must be positive")
	require.True(t, partitionCount >= nodeCount, "every node must host a partition")

	s := settings{service: router.DefaultService}
	for _, opt := range opts {
		opt(&s)
	}
	if s.dir == nil {
		s.dir = NewDirectory(t)
	}
	if s.stores == nil {
		s.stores = func(int) (storage.Store, error) { return memory.New(), nil }
	}

	bcfg := broker.DefaultConfig()
	bcfg.DueTime = 10 * time.Millisecond
	bcfg.Period = 20 * time.Millisecond
	bcfg.DeliveryTimeout = time.Second
	if s.broker != nil {
		s.broker(&bcfg)
	}

	tc := &TestCluster{
		t:              t,
		Service:        s.service,
		PartitionCount: partitionCount,
		Nodes:          make([]*TestNode, nodeCount),
		dir:            s.dir,
		owners:         make(map[int]*TestNode),
	}

	transport := endpoint.NewRPC(endpoint.NewDirectoryResolver(s.dir), http.DefaultClient, time.Second)

	for i := 0; i < nodeCount; i++ {
		var parts []int
		for p := i; p < partitionCount; p += nodeCount {
			parts = append(parts, p)
		}

		node := tc.createNode(i, parts, bcfg, s, transport)
		tc.Nodes[i] = node
		for _, p := range parts {
			tc.owners[p] = node
		}
	}

	t.Cleanup(tc.Close)
	return tc
}

func (tc *TestCluster) createNode(index int, parts []int, bcfg broker.Config, s settings, transport endpoint.Transport) *TestNode {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)

	opts := append([]partition.Option{partition.WithDirectory(tc.dir)}, s.opts...)
	host, err := partition.New(partition.Config{
		Service:             tc.Service,
		PartitionCount:      tc.PartitionCount,
		Partitions:          parts,
		AdvertiseAddr:       srv.URL,
		EnableAutoDiscovery: true,
		Broker:              bcfg,
	}, s.stores, transport, nil, opts...)
	if err != nil {
		srv.Close()
	}
	require.NoError(tc.t, err)

	mux.Handle("/", api.NewMux(host, nil, nil))

	return &TestNode{
		ID:         fmt.Sprintf("%s-node-%d", tc.Service, index),
		Partitions: parts,
		Host:       host,
		Server:     srv,
		Addr:       srv.URL,
	}
}

// Start starts every node, registering its partitions in the directory.
func (tc *TestCluster) Start() {
	tc.t.Helper()

	for _, n := range tc.Nodes {
		require.NoError(tc.t, n.Host.Start(context.Background()), "failed to start %s", n.ID)
	}
}

// StopNode stops node i and closes its server, as if the process died.
func (tc *TestCluster) StopNode(i int) {
	tc.t.Helper()

	tc.mu.Lock()
	defer tc.mu.Unlock()

	n := tc.Nodes[i]
	if n.stopped {
		return
	}
	n.stopped = true
	require.NoError(tc.t, n.Host.Stop(context.Background()))
	n.Server.Close()
}

// Close stops every node and releases its stores.
func (tc *TestCluster) Close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, n := range tc.Nodes {
		if !n.stopped {
			n.stopped = true
			_ = n.Host.Stop(context.Background())
			n.Server.Close()
		}
		_ = n.Host.Close(context.Background())
	}
}

// Directory returns the directory the cluster registers in.
func (tc *TestCluster) Directory() *cluster.StaticDirectory {
	return tc.dir
}

// Owner returns the node hosting the partition that owns messageType.
func (tc *TestCluster) Owner(messageType string) *TestNode {
	return tc.owners[hashing.Partition(messageType, tc.PartitionCount)]
}

// Broker returns the broker of the partition that owns messageType.
func (tc *TestCluster) Broker(messageType string) *broker.Broker {
	tc.t.Helper()

	b, err := tc.Owner(messageType).Host.Broker(hashing.Partition(messageType, tc.PartitionCount))
	require.NoError(tc.t, err)
	return b
}

// Router returns a router for the cluster's service with short retries.
func (tc *TestCluster) Router() *router.Router {
	return router.New(tc.dir, router.Config{
		Service:        tc.Service,
		MaxRetries:     5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		MaxElapsed:     5 * time.Second,
	}, nil)
}

// Client returns a broker client for the cluster's service.
func (tc *TestCluster) Client() *client.Client {
	tc.t.Helper()

	opts := client.NewOptions().
		SetCallTimeout(2*time.Second).
		SetBackoff(5*time.Millisecond, 50*time.Millisecond)
	c, err := client.New(tc.Router(), opts)
	require.NoError(tc.t, err)
	return c
}

// Subscribers serves a subscriber service with partitionCount partitions
// and returns the transport its handlers are bound to.
func Subscribers(t *testing.T, dir cluster.Directory, service string, partitionCount int) *endpoint.Local {
	t.Helper()

	local := endpoint.NewLocal()
	mux := http.NewServeMux()
	mux.Handle(rpc.NewSubscriberServiceHandler(api.NewSubscriberHandler(local, nil)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for p := 0; p < partitionCount; p++ {
		require.NoError(t, dir.Register(context.Background(), cluster.Instance{
			Service:        service,
			Partition:      p,
			PartitionCount: partitionCount,
			Address:        srv.URL,
		}))
	}
	return local
}
