// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/types"
)

// history keeps the most recent queue samples per message type.
type history struct {
	mu      sync.Mutex
	limit   int
	samples map[string][]types.QueueStats
}

func newHistory(limit int) *history {
	return &history{
		limit:   limit,
		samples: make(map[string][]types.QueueStats),
	}
}

func (h *history) add(messageType string, s types.QueueStats) {
	if h.limit <= 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	samples := append(h.samples[messageType], s)
	if len(samples) > h.limit {
		samples = samples[len(samples)-h.limit:]
	}
	h.samples[messageType] = samples
}

func (h *history) get(messageType string) []types.QueueStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	src := h.samples[messageType]
	out := make([]types.QueueStats, len(src), len(src)+1)
	copy(out, src)
	return out
}

func (h *history) forget(messageType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.samples, messageType)
}

// record samples the queue of messageType after a drain cycle.
func (b *Broker) record(ctx context.Context, messageType string) {
	s, err := b.queue.Sample(context.WithoutCancel(ctx), messageType, time.Now())
	if err != nil {
		b.logger.Warn("failed to sample queue",
			slog.String("message_type", messageType),
			slog.String("error", err.Error()))
		return
	}
	b.history.add(messageType, s)
	b.metrics.RecordQueueDepth(messageType, s.Depth)
}

// Stats returns every registration and, per message type, the sample
// history followed by a live sample.
func (b *Broker) Stats(ctx context.Context) (types.BrokerStats, error) {
	subs, err := b.registry.All(ctx)
	if err != nil {
		return types.BrokerStats{}, fmt.Errorf("failed to load subscribers: %w", err)
	}

	names, err := b.registry.MessageTypes(ctx)
	if err != nil {
		return types.BrokerStats{}, fmt.Errorf("failed to list message types: %w", err)
	}

	known := make(map[string]bool, len(names))
	now := time.Now()
	queues := make(map[string][]types.QueueStats, len(names))
	for _, name := range names {
		live, err := b.queue.Sample(ctx, name, now)
		if err != nil {
			return types.BrokerStats{}, fmt.Errorf("failed to sample %s: %w", name, err)
		}
		queues[name] = append(b.history.get(name), live)
		known[name] = true
	}

	b.history.mu.Lock()
	var stale []string
	for name := range b.history.samples {
		if !known[name] {
			stale = append(stale, name)
		}
	}
	b.history.mu.Unlock()
	for _, name := range stale {
		b.history.forget(name)
	}

	return types.BrokerStats{Subscribers: subs, QueueStats: queues}, nil
}
