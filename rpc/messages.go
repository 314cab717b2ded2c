// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import "github.com/absmach/fluxbus/types"

// PublishRequest hands a message to a broker partition.
type PublishRequest struct {
	Partition int                  `json:"partition"`
	Message   types.MessageWrapper `json:"message"`
}

// PublishResponse acknowledges a durable enqueue.
type PublishResponse struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"sequence"`
}

// SubscriptionRequest registers or unregisters a subscriber reference.
type SubscriptionRequest struct {
	Partition   int             `json:"partition"`
	MessageType string          `json:"message_type"`
	Reference   types.Reference `json:"reference"`
}

// SubscriptionResponse reports whether the registry changed.
type SubscriptionResponse struct {
	Changed bool `json:"changed"`
}

// StatsRequest asks a partition for its statistics.
type StatsRequest struct {
	Partition int `json:"partition"`
}

// StatsResponse carries a partition's statistics.
type StatsResponse struct {
	Partition int               `json:"partition"`
	Stats     types.BrokerStats `json:"stats"`
}

// DeadLetterRequest addresses the dead letters of one message type.
type DeadLetterRequest struct {
	Partition   int    `json:"partition"`
	MessageType string `json:"message_type"`
}

// DeadLettersResponse lists dead-lettered messages.
type DeadLettersResponse struct {
	Messages []types.QueuedMessage `json:"messages"`
}

// DeadLetterCountResponse reports how many dead letters were affected.
type DeadLetterCountResponse struct {
	Count int `json:"count"`
}

// DeliverRequest delivers a message to a subscriber endpoint.
type DeliverRequest struct {
	Reference types.Reference      `json:"reference"`
	Message   types.MessageWrapper `json:"message"`
}

// DeliverResponse acknowledges a delivery.
type DeliverResponse struct{}
