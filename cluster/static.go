// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ Directory = (*StaticDirectory)(nil)
	_ Watcher   = (*StaticDirectory)(nil)
)

// StaticDirectory is an in-memory directory seeded from configuration.
type StaticDirectory struct {
	mu       sync.RWMutex
	services map[string]map[int]Instance
	watchers map[chan Event]struct{}
}

// NewStaticDirectory returns a directory holding the given instances.
func NewStaticDirectory(instances ...Instance) (*StaticDirectory, error) {
	d := &StaticDirectory{
		services: make(map[string]map[int]Instance),
		watchers: make(map[chan Event]struct{}),
	}
	for _, inst := range instances {
		if err := d.Register(context.Background(), inst); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register implements Directory.
func (d *StaticDirectory) Register(_ context.Context, inst Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	parts := d.services[inst.Service]
	if parts == nil {
		parts = make(map[int]Instance)
		d.services[inst.Service] = parts
	}
	parts[inst.Partition] = inst
	d.mu.Unlock()

	d.notify(inst.Service)
	return nil
}

// Deregister implements Directory.
func (d *StaticDirectory) Deregister(_ context.Context, service string, partition int) error {
	d.mu.Lock()
	parts, ok := d.services[service]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServiceNotFound, service)
	}
	delete(parts, partition)
	if len(parts) == 0 {
		delete(d.services, service)
	}
	d.mu.Unlock()

	d.notify(service)
	return nil
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(ctx context.Context, service string) (ServiceInfo, error) {
	if err := ctx.Err(); err != nil {
		return ServiceInfo{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	parts := d.services[service]
	instances := make([]Instance, 0, len(parts))
	for _, inst := range parts {
		instances = append(instances, inst)
	}
	return buildInfo(service, instances)
}

// Watch implements Watcher.
func (d *StaticDirectory) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	d.mu.Lock()
	d.watchers[ch] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		delete(d.watchers, ch)
		close(ch)
		d.mu.Unlock()
	}()

	return ch
}

func (d *StaticDirectory) notify(service string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for ch := range d.watchers {
		select {
		case ch <- Event{Service: service}:
		default:
		}
	}
}
