// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package partition hosts the broker partitions of one process.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/pkg/hashing"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
)

// Host errors.
var (
	ErrWrongPartition = errors.New("message type is owned by another partition")
	ErrNotHosted      = errors.New("partition not hosted")
	ErrNotRunning     = errors.New("partition host not running")
	ErrRunning        = errors.New("partition host already running")
)

// StoreFactory opens the store of a partition.
type StoreFactory func(partition int) (storage.Store, error)

// Config configures a Host.
type Config struct {
	// Service is the directory name partitions are registered under.
	Service string
	// PartitionCount is the total number of partitions of the service.
	PartitionCount int
	// Partitions lists the partitions hosted by this process. Empty hosts
	// all of them.
	Partitions []int
	// AdvertiseAddr is the address published in the directory.
	AdvertiseAddr string
	// EnableAutoDiscovery registers hosted partitions in the directory.
	EnableAutoDiscovery bool
	// CompressionThreshold is the payload size above which stored records
	// are compressed.
	CompressionThreshold int
	// Broker is the configuration template of every hosted partition.
	Broker broker.Config
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Service == "" {
		return errors.New("service name cannot be empty")
	}
	if c.PartitionCount <= 0 {
		return errors.New("partition count must be positive")
	}
	seen := make(map[int]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		if p < 0 || p >= c.PartitionCount {
			return fmt.Errorf("partition %d out of range [0,%d)", p, c.PartitionCount)
		}
		if seen[p] {
			return fmt.Errorf("partition %d listed twice", p)
		}
		seen[p] = true
	}
	if c.EnableAutoDiscovery && c.AdvertiseAddr == "" {
		return errors.New("advertise address required for auto discovery")
	}
	return c.Broker.Validate()
}

// Option configures a Host.
type Option func(*Host)

// WithDirectory sets the directory used for auto discovery.
func WithDirectory(dir cluster.Directory) Option {
	return func(h *Host) {
		h.dir = dir
	}
}

// WithMetrics sets the metrics sink shared by all partitions.
func WithMetrics(m broker.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// WithNotifier publishes the lifecycle events of every partition to n.
func WithNotifier(n broker.Notifier) Option {
	return func(h *Host) {
		h.notifier = n
	}
}

// WithRelay relays the given message types from source. Each type is
// relayed by the partition that owns it.
func WithRelay(source broker.RelaySource, messageTypes ...string) Option {
	return func(h *Host) {
		h.relaySource = source
		h.relayTypes = messageTypes
	}
}

// Host runs a set of broker partitions, each over its own store.
type Host struct {
	cfg      Config
	logger   *slog.Logger
	dir      cluster.Directory
	metrics  broker.Metrics
	notifier broker.Notifier
	codec    *codec.Codec
	inbound  *endpoint.Local

	relaySource broker.RelaySource
	relayTypes  []string

	brokers map[int]*broker.Broker
	stores  map[int]storage.Store

	mu      sync.RWMutex
	running bool
}

// New opens the store and creates the broker of every hosted partition.
// Deliveries to subscribers go through transport.
func New(cfg Config, stores StoreFactory, transport endpoint.Transport, logger *slog.Logger, opts ...Option) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition config: %w", err)
	}
	if stores == nil {
		return nil, errors.New("store factory cannot be nil")
	}

	c, err := codec.New(cfg.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:     cfg,
		logger:  logger,
		codec:   c,
		inbound: endpoint.NewLocal(),
		brokers: make(map[int]*broker.Broker),
		stores:  make(map[int]storage.Store),
	}
	for _, opt := range opts {
		opt(h)
	}

	ids := cfg.Partitions
	if len(ids) == 0 {
		ids = make([]int, cfg.PartitionCount)
		for i := range ids {
			ids[i] = i
		}
	}

	for _, id := range ids {
		if err := h.open(id, stores, transport); err != nil {
			h.closeAll()
			return nil, fmt.Errorf("failed to open partition %d: %w", id, err)
		}
	}

	return h, nil
}

func (h *Host) open(id int, stores StoreFactory, transport endpoint.Transport) error {
	store, err := stores(id)
	if err != nil {
		return err
	}

	bcfg := h.cfg.Broker
	bcfg.PartitionID = id

	opts := []broker.Option{broker.WithCodec(h.codec)}
	if h.metrics != nil {
		opts = append(opts, broker.WithMetrics(h.metrics))
	}
	if h.notifier != nil {
		opts = append(opts, broker.WithNotifier(h.notifier))
	}
	if relayed := h.owned(id, h.relayTypes); h.relaySource != nil && len(relayed) > 0 {
		opts = append(opts, broker.WithRelay(h.relaySource, h.Self(id), relayed...))
	}

	b, err := broker.New(bcfg, store, transport, h.logger, opts...)
	if err != nil {
		return errors.Join(err, store.Close())
	}
	if err := h.inbound.Bind(h.Self(id), b); err != nil {
		return errors.Join(err, b.Close(), store.Close())
	}

	h.brokers[id] = b
	h.stores[id] = store
	return nil
}

func (h *Host) owned(id int, messageTypes []string) []string {
	var out []string
	for _, mt := range messageTypes {
		if h.Owner(mt) == id {
			out = append(out, mt)
		}
	}
	return out
}

// Start starts every hosted broker and, when auto discovery is enabled,
// registers each partition in the directory.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrRunning
	}

	started := make([]*broker.Broker, 0, len(h.brokers))
	for _, id := range h.partitionsLocked() {
		b := h.brokers[id]
		if err := b.Start(); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("failed to start partition %d: %w", id, err)
		}
		started = append(started, b)
	}

	if h.cfg.EnableAutoDiscovery && h.dir != nil {
		for _, id := range h.partitionsLocked() {
			inst := cluster.Instance{
				Service:        h.cfg.Service,
				Partition:      id,
				PartitionCount: h.cfg.PartitionCount,
				Address:        h.cfg.AdvertiseAddr,
			}
			if err := h.dir.Register(ctx, inst); err != nil {
				for _, s := range started {
					_ = s.Stop(ctx)
				}
				return fmt.Errorf("failed to register partition %d: %w", id, err)
			}
		}
		h.logger.Info("partitions registered",
			slog.String("service", h.cfg.Service),
			slog.String("address", h.cfg.AdvertiseAddr),
			slog.Int("count", len(h.brokers)))
	}

	h.running = true
	h.logger.Info("partition host started",
		slog.String("service", h.cfg.Service),
		slog.Int("partition_count", h.cfg.PartitionCount),
		slog.Int("hosted", len(h.brokers)))
	return nil
}

// Stop deregisters the hosted partitions and stops their brokers.
// Undelivered messages stay in the stores.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrNotRunning
	}
	h.running = false

	var errs []error
	if h.cfg.EnableAutoDiscovery && h.dir != nil {
		for _, id := range h.partitionsLocked() {
			if err := h.dir.Deregister(ctx, h.cfg.Service, id); err != nil {
				errs = append(errs, fmt.Errorf("failed to deregister partition %d: %w", id, err))
			}
		}
	}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for id, b := range h.brokers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Stop(ctx); err != nil && !errors.Is(err, broker.ErrNotStarted) {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("partition %d: %w", id, err))
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()

	h.logger.Info("partition host stopped")
	return errors.Join(errs...)
}

// Close stops the host if it is running and closes every broker and store.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if err := h.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		errs = append(errs, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	errs = append(errs, h.closeAll())
	return errors.Join(errs...)
}

func (h *Host) closeAll() error {
	var errs []error
	for id, b := range h.brokers {
		h.inbound.Unbind(h.Self(id))
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for id, s := range h.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store of partition %d: %w", id, err))
		}
	}
	h.brokers = map[int]*broker.Broker{}
	h.stores = map[int]storage.Store{}
	h.codec.Close()
	return errors.Join(errs...)
}

// Running reports whether the host has been started.
func (h *Host) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Service returns the directory name of the hosted service.
func (h *Host) Service() string {
	return h.cfg.Service
}

// PartitionCount returns the total number of partitions of the service.
func (h *Host) PartitionCount() int {
	return h.cfg.PartitionCount
}

// Partitions returns the hosted partitions in ascending order.
func (h *Host) Partitions() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.partitionsLocked()
}

func (h *Host) partitionsLocked() []int {
	ids := make([]int, 0, len(h.brokers))
	for id := range h.brokers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Owner returns the partition owning messageType.
func (h *Host) Owner(messageType string) int {
	return hashing.Partition(messageType, h.cfg.PartitionCount)
}

// Self returns the reference under which a hosted partition receives
// relayed messages.
func (h *Host) Self(partition int) types.Reference {
	return types.ServiceReference(h.cfg.Service, strconv.Itoa(partition))
}

// Inbound returns the transport delivering to hosted partitions by their
// Self reference.
func (h *Host) Inbound() endpoint.Transport {
	return h.inbound
}

// Broker returns the broker of a hosted partition.
func (h *Host) Broker(partition int) (*broker.Broker, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b, ok := h.brokers[partition]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotHosted, partition)
	}
	return b, nil
}

// Route returns the broker for messageType on the requested partition. It
// fails with ErrWrongPartition when the type is owned elsewhere, so the
// caller can re-resolve.
func (h *Host) Route(partition int, messageType string) (*broker.Broker, error) {
	if owner := h.Owner(messageType); owner != partition {
		return nil, fmt.Errorf("%w: %s belongs to partition %d, not %d", ErrWrongPartition, messageType, owner, partition)
	}
	return h.Broker(partition)
}
