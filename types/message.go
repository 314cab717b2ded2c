// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Validation errors.
var (
	ErrEmptyMessageType   = errors.New("message type name is empty")
	ErrInvalidMessageType = errors.New("message type name contains invalid characters")
	ErrPayloadTooLarge    = errors.New("payload exceeds maximum message size")
	ErrInvalidReference   = errors.New("invalid subscriber reference")
	ErrNilValue           = errors.New("cannot wrap a nil value")
)

// MessageWrapper is the unit of publication: an opaque payload tagged with
// the name of its type.
type MessageWrapper struct {
	MessageType string `json:"message_type"`
	Payload     []byte `json:"payload"`
}

// NewMessage serializes v to JSON and tags it with its type name.
func NewMessage(v any) (MessageWrapper, error) {
	name := TypeName(v)
	if name == "" {
		return MessageWrapper{}, ErrNilValue
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return MessageWrapper{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return MessageWrapper{MessageType: name, Payload: payload}, nil
}

// TypeName returns the fully-qualified name of v's type in the form
// "<import path>.<Name>". Pointers are dereferenced. Unnamed types fall
// back to their Go syntax representation.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// Decode unmarshals the payload into v.
func (m MessageWrapper) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", m.MessageType, err)
	}
	return nil
}

// Validate checks the wrapper against a maximum payload size. A
// maxSize <= 0 disables the size check.
func (m MessageWrapper) Validate(maxSize int) error {
	if err := ValidateMessageType(m.MessageType); err != nil {
		return err
	}
	if maxSize > 0 && len(m.Payload) > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(m.Payload), maxSize)
	}
	return nil
}

// ValidateMessageType checks that name can be used as a routing and storage key.
func ValidateMessageType(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyMessageType
	}
	if strings.ContainsAny(name, "\x00|") {
		return ErrInvalidMessageType
	}
	return nil
}

// QueuedMessage is a MessageWrapper held in a delivery queue.
type QueuedMessage struct {
	ID             string          `json:"id"`
	Sequence       uint64          `json:"sequence"`
	Message        MessageWrapper  `json:"message"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	DeliveredTo    map[string]bool `json:"delivered_to,omitempty"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at,omitempty"`
}

// Delivered reports whether the subscriber with the given key acknowledged
// this message.
func (q *QueuedMessage) Delivered(key string) bool {
	return q.DeliveredTo[key]
}

// MarkDelivered records an acknowledgement. It returns false when the
// subscriber had already acknowledged the message.
func (q *QueuedMessage) MarkDelivered(key string) bool {
	if q.DeliveredTo[key] {
		return false
	}
	if q.DeliveredTo == nil {
		q.DeliveredTo = make(map[string]bool)
	}
	q.DeliveredTo[key] = true
	return true
}

// Pending returns the subscribers in subs that have not acknowledged the message.
func (q *QueuedMessage) Pending(subs []ReferenceWrapper) []ReferenceWrapper {
	var pending []ReferenceWrapper
	for _, s := range subs {
		if !q.Delivered(s.Key()) {
			pending = append(pending, s)
		}
	}
	return pending
}
