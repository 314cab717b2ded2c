// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	_ Directory = (*EtcdDirectory)(nil)
	_ Watcher   = (*EtcdDirectory)(nil)
)

// EtcdConfig configures the etcd-backed directory.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
}

// EtcdDirectory stores instances under "<prefix>/<service>/<partition>".
// Registered instances are bound to a lease kept alive for the lifetime
// of the directory, so a crashed process drops out after LeaseTTL.
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	ownsCli bool
}

// NewEtcdDirectory connects to etcd.
func NewEtcdDirectory(cfg EtcdConfig, logger *slog.Logger) (*EtcdDirectory, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints cannot be empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	d := NewEtcdDirectoryFromClient(client, cfg, logger)
	d.ownsCli = true
	return d, nil
}

// NewEtcdDirectoryFromClient wraps an existing client. Close does not
// close the client.
func NewEtcdDirectoryFromClient(client *clientv3.Client, cfg EtcdConfig, logger *slog.Logger) *EtcdDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/fluxbus/services"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Second
	}

	return &EtcdDirectory{
		client: client,
		prefix: strings.TrimRight(cfg.Prefix, "/"),
		ttl:    cfg.LeaseTTL,
		logger: logger,
	}
}

// Register implements Directory.
func (d *EtcdDirectory) Register(ctx context.Context, inst Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	lease, err := d.lease(ctx)
	if err != nil {
		return err
	}

	value, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if _, err := d.client.Put(ctx, d.instanceKey(inst.Service, inst.Partition), string(value), clientv3.WithLease(lease)); err != nil {
		return fmt.Errorf("failed to register %s/%d: %w", inst.Service, inst.Partition, err)
	}

	d.logger.Info("registered service instance",
		slog.String("service", inst.Service),
		slog.Int("partition", inst.Partition),
		slog.String("address", inst.Address))
	return nil
}

// Deregister implements Directory.
func (d *EtcdDirectory) Deregister(ctx context.Context, service string, partition int) error {
	resp, err := d.client.Delete(ctx, d.instanceKey(service, partition))
	if err != nil {
		return fmt.Errorf("failed to deregister %s/%d: %w", service, partition, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s/%d", ErrServiceNotFound, service, partition)
	}
	return nil
}

// Lookup implements Directory.
func (d *EtcdDirectory) Lookup(ctx context.Context, service string) (ServiceInfo, error) {
	resp, err := d.client.Get(ctx, d.serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return ServiceInfo{}, fmt.Errorf("failed to look up %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			d.logger.Warn("skipping malformed directory entry",
				slog.String("key", string(kv.Key)),
				slog.String("error", err.Error()))
			continue
		}
		instances = append(instances, inst)
	}

	return buildInfo(service, instances)
}

// Watch implements Watcher.
func (d *EtcdDirectory) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	watchCh := d.client.Watch(ctx, d.prefix+"/", clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				d.logger.Warn("directory watch error", slog.String("error", err.Error()))
				continue
			}
			for _, ev := range resp.Events {
				service, ok := d.parseService(string(ev.Kv.Key))
				if !ok {
					continue
				}
				select {
				case out <- Event{Service: service}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Close revokes the registration lease.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	lease := d.leaseID
	cancel := d.cancel
	d.leaseID = 0
	d.cancel = nil
	d.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if lease != 0 {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := d.client.Revoke(ctx, lease); err != nil {
			errs = append(errs, fmt.Errorf("failed to revoke lease: %w", err))
		}
		done()
	}
	if d.ownsCli {
		if err := d.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *EtcdDirectory) lease(ctx context.Context) (clientv3.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.leaseID != 0 {
		return d.leaseID, nil
	}

	resp, err := d.client.Grant(ctx, max(int64(d.ttl/time.Second), 1))
	if err != nil {
		return 0, fmt.Errorf("failed to create lease: %w", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(keepCtx, resp.ID)
	if err != nil {
		cancel()
		return 0, fmt.Errorf("failed to keep lease alive: %w", err)
	}

	go func() {
		for range ch {
		}
		d.logger.Debug("directory lease keepalive stopped")
	}()

	d.leaseID = resp.ID
	d.cancel = cancel
	return resp.ID, nil
}

func (d *EtcdDirectory) serviceKey(service string) string {
	return d.prefix + "/" + service + "/"
}

func (d *EtcdDirectory) instanceKey(service string, partition int) string {
	return d.serviceKey(service) + strconv.Itoa(partition)
}

func (d *EtcdDirectory) parseService(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, d.prefix+"/")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
