// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/storage"
	badgerstore "github.com/absmach/fluxbus/storage/badger"
	boltstore "github.com/absmach/fluxbus/storage/bolt"
	"github.com/absmach/fluxbus/storage/memory"
)

// BrokerSettings returns the broker configuration template of the hosted
// partitions.
func (c *Config) BrokerSettings() broker.Config {
	strategy := broker.Unordered
	if c.Broker.Ordered {
		strategy = broker.Ordered
	}

	return broker.Config{
		Period:              c.Broker.Period,
		DueTime:             c.Broker.DueTime,
		Strategy:            strategy,
		MaxDeliveryAttempts: c.Broker.MaxDeliveryAttempts,
		DeliveryTimeout:     c.Broker.DeliveryTimeout,
		MaxConcurrency:      c.Broker.MaxConcurrency,
		BatchSize:           c.Broker.BatchSize,
		MaxMessageSize:      c.Broker.MaxMessageSize,
		StatsHistory:        c.Broker.StatsHistory,
	}
}

// PartitionSettings returns the partition host configuration.
func (c *Config) PartitionSettings() partition.Config {
	return partition.Config{
		Service:              c.Broker.ServiceName,
		PartitionCount:       c.Broker.PartitionCount,
		Partitions:           c.Broker.Partitions,
		AdvertiseAddr:        c.Server.AdvertiseAddr,
		EnableAutoDiscovery:  c.Broker.EnableAutoDiscovery,
		CompressionThreshold: c.Storage.CompressionThreshold,
		Broker:               c.BrokerSettings(),
	}
}

// RouterSettings returns the router configuration for service.
func (c *Config) RouterSettings(service string) router.Config {
	return router.Config{
		Service:        service,
		MaxRetries:     uint(c.Client.MaxRetries),
		InitialBackoff: c.Client.InitialBackoff,
		MaxBackoff:     c.Client.MaxBackoff,
		MaxElapsed:     c.Client.Timeout,
	}
}

// BreakerSettings returns the per-subscriber circuit breaker configuration.
func (c *Config) BreakerSettings() endpoint.BreakerConfig {
	return endpoint.BreakerConfig{
		FailureThreshold: uint32(c.Transport.CircuitBreaker.FailureThreshold),
		ResetTimeout:     c.Transport.CircuitBreaker.ResetTimeout,
	}
}

// EtcdSettings returns the etcd directory configuration.
func (c *Config) EtcdSettings() cluster.EtcdConfig {
	return cluster.EtcdConfig{
		Endpoints:   c.Discovery.Etcd.Endpoints,
		Prefix:      c.Discovery.Etcd.Prefix,
		LeaseTTL:    c.Discovery.Etcd.LeaseTTL,
		DialTimeout: c.Discovery.Etcd.DialTimeout,
	}
}

// EmbeddedEtcdSettings returns the embedded etcd configuration.
func (c *Config) EmbeddedEtcdSettings() cluster.EmbeddedConfig {
	e := c.Discovery.Etcd.Embedded
	return cluster.EmbeddedConfig{
		Name:       e.Name,
		DataDir:    e.DataDir,
		PeerAddr:   e.PeerAddr,
		ClientAddr: e.ClientAddr,
	}
}

// StaticInstances returns the instances listed in the static directory.
func (c *Config) StaticInstances() []cluster.Instance {
	var out []cluster.Instance
	for name, svc := range c.Discovery.Static {
		for p, addr := range svc.Endpoints {
			out = append(out, cluster.Instance{
				Service:        name,
				Partition:      p,
				PartitionCount: svc.PartitionCount,
				Address:        addr,
			})
		}
	}
	return out
}

// Stores returns the factory opening the store of each partition. Durable
// backends keep one directory (badger) or file (bolt) per partition.
func (c *Config) Stores() partition.StoreFactory {
	s := c.Storage
	return func(p int) (storage.Store, error) {
		name := "partition-" + strconv.Itoa(p)

		switch s.Type {
		case StorageMemory:
			return memory.New(), nil
		case StorageBadger:
			return badgerstore.New(badgerstore.Config{
				Dir:        filepath.Join(s.Dir, name),
				SyncWrites: s.SyncWrites,
				GCInterval: s.GCInterval,
			})
		case StorageBolt:
			if err := os.MkdirAll(s.Dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
			return boltstore.New(boltstore.Config{
				Path:   filepath.Join(s.Dir, name+".db"),
				NoSync: !s.SyncWrites,
			})
		default:
			return nil, fmt.Errorf("unknown storage type %q", s.Type)
		}
	}
}
