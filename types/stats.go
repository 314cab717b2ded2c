// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// QueueStats is a sample of one message type's queue.
type QueueStats struct {
	SampledAt   time.Time     `json:"sampled_at"`
	Depth       int           `json:"depth"`
	OldestAge   time.Duration `json:"oldest_age"`
	DeadLetters int           `json:"dead_letters"`
}

// BrokerStats is a read-only view over a broker partition.
type BrokerStats struct {
	// Subscribers is keyed by SubscriptionKey.
	Subscribers map[string]ReferenceWrapper `json:"subscribers"`
	// QueueStats holds the sample history per message type, oldest first.
	QueueStats map[string][]QueueStats `json:"queue_stats"`
}
