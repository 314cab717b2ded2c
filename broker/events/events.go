// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the broker lifecycle events published to
// notification sinks such as webhooks.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSubscriberRegistered   = "subscriber.registered"
	TypeSubscriberUnregistered = "subscriber.unregistered"
	TypeMessageDeadLettered    = "message.dead_lettered"
	TypeDeadLettersRetried     = "dead_letters.retried"
	TypeDeadLettersPurged      = "dead_letters.purged"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.dead_lettered").
	Type() string

	// Subject returns the message type the event is about.
	Subject() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(source string) *Envelope
}

// PayloadCarrier is implemented by events that carry a message payload.
type PayloadCarrier interface {
	WithoutPayload() Event
}

// Envelope is the common wrapper for all events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Data      any    `json:"data"`
}

func wrap(e Event, source string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Source:    source,
		Data:      e,
	}
}

// SubscriberRegistered is emitted when a new subscription is recorded.
type SubscriberRegistered struct {
	MessageType string `json:"message_type"`
	Reference   string `json:"reference"`
	Partition   int    `json:"partition"`
}

func (e SubscriberRegistered) Type() string                 { return TypeSubscriberRegistered }
func (e SubscriberRegistered) Subject() string              { return e.MessageType }
func (e SubscriberRegistered) Wrap(source string) *Envelope { return wrap(e, source) }

// SubscriberUnregistered is emitted when a subscription is removed.
type SubscriberUnregistered struct {
	MessageType string `json:"message_type"`
	Reference   string `json:"reference"`
	Partition   int    `json:"partition"`
}

func (e SubscriberUnregistered) Type() string                 { return TypeSubscriberUnregistered }
func (e SubscriberUnregistered) Subject() string              { return e.MessageType }
func (e SubscriberUnregistered) Wrap(source string) *Envelope { return wrap(e, source) }

// MessageDeadLettered is emitted when a message exhausts its delivery
// attempts and leaves the queue.
type MessageDeadLettered struct {
	MessageType string `json:"message_type"`
	ID          string `json:"id"`
	Sequence    uint64 `json:"sequence"`
	Partition   int    `json:"partition"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

func (e MessageDeadLettered) Type() string                 { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Subject() string              { return e.MessageType }
func (e MessageDeadLettered) Wrap(source string) *Envelope { return wrap(e, source) }

// WithoutPayload returns a copy of the event with the payload removed.
func (e MessageDeadLettered) WithoutPayload() Event {
	e.Payload = nil
	return e
}

// DeadLettersRetried is emitted when dead letters are moved back to the queue.
type DeadLettersRetried struct {
	MessageType string `json:"message_type"`
	Partition   int    `json:"partition"`
	Count       int    `json:"count"`
}

func (e DeadLettersRetried) Type() string                 { return TypeDeadLettersRetried }
func (e DeadLettersRetried) Subject() string              { return e.MessageType }
func (e DeadLettersRetried) Wrap(source string) *Envelope { return wrap(e, source) }

// DeadLettersPurged is emitted when dead letters are deleted.
type DeadLettersPurged struct {
	MessageType string `json:"message_type"`
	Partition   int    `json:"partition"`
	Count       int    `json:"count"`
}

func (e DeadLettersPurged) Type() string                 { return TypeDeadLettersPurged }
func (e DeadLettersPurged) Subject() string              { return e.MessageType }
func (e DeadLettersPurged) Wrap(source string) *Envelope { return wrap(e, source) }
