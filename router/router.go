// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router locates the broker partition responsible for a message
// type. Ownership is the FNV-1a hash of the type name modulo the partition
// count published in the naming directory.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/pkg/hashing"
	"github.com/alphadose/haxmap"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultService is the directory name of the broker service.
const DefaultService = "fluxbus"

const defaultResolveTimeout = 30 * time.Second

// ErrNoPartitions is returned when the directory lists no partitions.
var ErrNoPartitions = errors.New("service has no partitions")

// Config configures a Router.
type Config struct {
	// Service is the directory name of the broker service.
	Service string
	// MaxRetries bounds directory lookups per resolution.
	MaxRetries uint
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		Service:        DefaultService,
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		MaxElapsed:     15 * time.Second,
	}
}

// Endpoint is the resolved location of a message type's broker partition.
type Endpoint struct {
	Service        string `json:"service"`
	Partition      int    `json:"partition"`
	PartitionCount int    `json:"partition_count"`
	Address        string `json:"address"`
}

// Router resolves and caches message type ownership.
type Router struct {
	dir    cluster.Directory
	cfg    Config
	logger *slog.Logger

	cache *haxmap.Map[string, Endpoint]
	group singleflight.Group
	count atomic.Int64
}

// New returns a router over dir.
func New(dir cluster.Directory, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}

	return &Router{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		cache:  haxmap.New[string, Endpoint](),
	}
}

// Service returns the directory name of the broker service.
func (r *Router) Service() string {
	return r.cfg.Service
}

// Resolve returns the partition owning messageType. Cached results are
// reused only while the partition count they were computed under is
// still current.
func (r *Router) Resolve(ctx context.Context, messageType string) (Endpoint, error) {
	if ep, ok := r.cache.Get(messageType); ok && int64(ep.PartitionCount) == r.count.Load() {
		return ep, nil
	}

	// Waiters share one lookup, which outlives the caller that started it.
	ch := r.group.DoChan(messageType, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.resolveTimeout())
		defer cancel()
		return r.resolve(rctx, messageType)
	})

	select {
	case <-ctx.Done():
		return Endpoint{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Endpoint{}, res.Err
		}
		return res.Val.(Endpoint), nil
	}
}

func (r *Router) resolveTimeout() time.Duration {
	if r.cfg.MaxElapsed > 0 {
		return r.cfg.MaxElapsed
	}
	return defaultResolveTimeout
}

// Locate returns the endpoint of a partition. It is not cached.
func (r *Router) Locate(ctx context.Context, partition int) (Endpoint, error) {
	return r.retry(ctx, "partition "+strconv.Itoa(partition), func() (Endpoint, error) {
		info, err := r.lookup(ctx)
		if err != nil {
			return Endpoint{}, err
		}
		addr, err := info.Address(partition)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{
			Service:        r.cfg.Service,
			Partition:      partition,
			PartitionCount: info.PartitionCount,
			Address:        addr,
		}, nil
	})
}

// Invalidate drops the cached resolution of messageType.
func (r *Router) Invalidate(messageType string) {
	r.cache.Del(messageType)
}

// InvalidateAll drops every cached resolution.
func (r *Router) InvalidateAll() {
	var keys []string
	r.cache.ForEach(func(k string, _ Endpoint) bool {
		keys = append(keys, k)
		return true
	})
	if len(keys) > 0 {
		r.cache.Del(keys...)
	}
}

// Partition returns the partition owning messageType under the last known
// partition count. It reports false before the first resolution.
func (r *Router) Partition(messageType string) (int, bool) {
	count := r.count.Load()
	if count <= 0 {
		return 0, false
	}
	return hashing.Partition(messageType, int(count)), true
}

// Register publishes a broker partition in the directory.
func (r *Router) Register(ctx context.Context, inst cluster.Instance) error {
	if inst.Service == "" {
		inst.Service = r.cfg.Service
	}
	return r.dir.Register(ctx, inst)
}

// Deregister removes a broker partition from the directory.
func (r *Router) Deregister(ctx context.Context, partition int) error {
	return r.dir.Deregister(ctx, r.cfg.Service, partition)
}

// Watch invalidates the cache whenever the directory reports a change to
// the broker service. It reports false when the directory cannot be watched.
func (r *Router) Watch(ctx context.Context) bool {
	w, ok := r.dir.(cluster.Watcher)
	if !ok {
		return false
	}

	events := w.Watch(ctx)
	go func() {
		for ev := range events {
			if ev.Service != r.cfg.Service {
				continue
			}
			r.InvalidateAll()
			r.logger.Debug("partition directory changed, cache invalidated",
				slog.String("service", ev.Service))
		}
	}()
	return true
}

func (r *Router) resolve(ctx context.Context, messageType string) (Endpoint, error) {
	ep, err := r.retry(ctx, messageType, func() (Endpoint, error) {
		info, err := r.lookup(ctx)
		if err != nil {
			return Endpoint{}, err
		}

		p := hashing.Partition(messageType, info.PartitionCount)
		addr, err := info.Address(p)
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{
			Service:        r.cfg.Service,
			Partition:      p,
			PartitionCount: info.PartitionCount,
			Address:        addr,
		}, nil
	})
	if err != nil {
		return Endpoint{}, err
	}

	r.cache.Set(messageType, ep)
	r.logger.Debug("message type resolved",
		slog.String("message_type", messageType),
		slog.Int("partition", ep.Partition),
		slog.String("address", ep.Address))
	return ep, nil
}

func (r *Router) lookup(ctx context.Context) (cluster.ServiceInfo, error) {
	info, err := r.dir.Lookup(ctx, r.cfg.Service)
	if err != nil {
		return cluster.ServiceInfo{}, err
	}
	if info.PartitionCount <= 0 {
		return cluster.ServiceInfo{}, fmt.Errorf("%w: %s", ErrNoPartitions, r.cfg.Service)
	}
	r.observeCount(info.PartitionCount)
	return info, nil
}

func (r *Router) retry(ctx context.Context, target string, op func() (Endpoint, error)) (Endpoint, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxRetries),
	}
	if r.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.MaxElapsed))
	}

	ep, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to resolve %s: %w", target, err)
	}
	return ep, nil
}

// observeCount records the partition count and drops every cached
// resolution computed under a different count.
func (r *Router) observeCount(count int) {
	prev := r.count.Swap(int64(count))
	if prev != 0 && prev != int64(count) {
		r.InvalidateAll()
		r.logger.Info("partition count changed",
			slog.String("service", r.cfg.Service),
			slog.Int64("from", prev),
			slog.Int("to", count))
	}
}
