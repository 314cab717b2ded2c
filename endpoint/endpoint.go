// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package endpoint delivers queued messages from a broker partition to
// subscriber endpoints.
package endpoint

import (
	"context"
	"errors"

	"github.com/absmach/fluxbus/types"
)

// Delivery errors.
var (
	ErrUnreachable = errors.New("subscriber endpoint unreachable")
	ErrUnknownKind = errors.New("unknown reference kind")
	ErrRejected    = errors.New("subscriber rejected message")
)

// Transport delivers a message to the endpoint identified by a reference.
// A nil error means the subscriber acknowledged the message.
type Transport interface {
	Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error

// Deliver calls f.
func (f TransportFunc) Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	return f(ctx, ref, msg)
}

// Handler is the delivery contract implemented by subscribers.
type Handler interface {
	ReceiveMessage(ctx context.Context, msg types.MessageWrapper) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg types.MessageWrapper) error

// ReceiveMessage calls f.
func (f HandlerFunc) ReceiveMessage(ctx context.Context, msg types.MessageWrapper) error {
	return f(ctx, msg)
}
