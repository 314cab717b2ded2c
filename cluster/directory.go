// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides the naming service that maps a service name to
// its partition count and the address of each partition's primary.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Directory errors.
var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrPartitionUnavailable = errors.New("partition unavailable")
	ErrInvalidInstance      = errors.New("invalid service instance")
)

// Instance describes one partition of a service.
type Instance struct {
	Service        string            `json:"service" yaml:"service"`
	Partition      int               `json:"partition" yaml:"partition"`
	PartitionCount int               `json:"partition_count" yaml:"partition_count"`
	Address        string            `json:"address" yaml:"address"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks that the instance can be published.
func (i Instance) Validate() error {
	switch {
	case i.Service == "":
		return fmt.Errorf("%w: empty service name", ErrInvalidInstance)
	case i.PartitionCount <= 0:
		return fmt.Errorf("%w: partition count must be positive", ErrInvalidInstance)
	case i.Partition < 0 || i.Partition >= i.PartitionCount:
		return fmt.Errorf("%w: partition %d out of range [0,%d)", ErrInvalidInstance, i.Partition, i.PartitionCount)
	case i.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidInstance)
	}
	return nil
}

// ServiceInfo is the directory view of a service.
type ServiceInfo struct {
	Name           string         `json:"name"`
	PartitionCount int            `json:"partition_count"`
	Endpoints      map[int]string `json:"endpoints"`
}

// Address returns the primary address of a partition.
func (s ServiceInfo) Address(partition int) (string, error) {
	if partition < 0 || partition >= s.PartitionCount {
		return "", fmt.Errorf("%w: %s partition %d out of range", ErrPartitionUnavailable, s.Name, partition)
	}
	addr, ok := s.Endpoints[partition]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s partition %d", ErrPartitionUnavailable, s.Name, partition)
	}
	return addr, nil
}

// Partitions returns the partitions with a known address in ascending order.
func (s ServiceInfo) Partitions() []int {
	ids := make([]int, 0, len(s.Endpoints))
	for id := range s.Endpoints {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Event notifies that the directory entry of a service changed.
type Event struct {
	Service string
}

// Directory resolves services to partition addresses.
type Directory interface {
	// Register publishes an instance, replacing any previous entry for the
	// same service partition.
	Register(ctx context.Context, inst Instance) error

	// Deregister removes the entry of a service partition.
	Deregister(ctx context.Context, service string, partition int) error

	// Lookup returns the current view of a service.
	Lookup(ctx context.Context, service string) (ServiceInfo, error)
}

// Watcher is implemented by directories that publish change events. The
// returned channel is closed when ctx is done.
type Watcher interface {
	Watch(ctx context.Context) <-chan Event
}

func buildInfo(service string, instances []Instance) (ServiceInfo, error) {
	if len(instances) == 0 {
		return ServiceInfo{}, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}

	info := ServiceInfo{
		Name:      service,
		Endpoints: make(map[int]string, len(instances)),
	}
	for _, inst := range instances {
		if inst.PartitionCount > info.PartitionCount {
			info.PartitionCount = inst.PartitionCount
		}
		info.Endpoints[inst.Partition] = inst.Address
	}
	return info, nil
}
