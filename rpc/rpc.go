// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the broker and subscriber RPC contracts served over
// connect with a JSON codec.
package rpc

import (
	"connectrpc.com/connect"
	"github.com/goccy/go-json"
)

// Service and procedure names.
const (
	BrokerServiceName     = "fluxbus.v1.BrokerService"
	SubscriberServiceName = "fluxbus.v1.SubscriberService"

	PublishProcedure          = "/" + BrokerServiceName + "/Publish"
	RegisterProcedure         = "/" + BrokerServiceName + "/Register"
	UnregisterProcedure       = "/" + BrokerServiceName + "/Unregister"
	StatsProcedure            = "/" + BrokerServiceName + "/Stats"
	DeadLettersProcedure      = "/" + BrokerServiceName + "/DeadLetters"
	RetryDeadLettersProcedure = "/" + BrokerServiceName + "/RetryDeadLetters"
	PurgeDeadLettersProcedure = "/" + BrokerServiceName + "/PurgeDeadLetters"

	ReceiveMessageProcedure = "/" + SubscriberServiceName + "/ReceiveMessage"
)

// Codec encodes RPC messages as JSON. It is registered under the "json"
// name so it replaces connect's protobuf JSON codec.
type Codec struct{}

var _ connect.Codec = Codec{}

// Name implements connect.Codec.
func (Codec) Name() string { return "json" }

// Marshal implements connect.Codec.
func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements connect.Codec.
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// WithCodec returns the option that installs Codec on clients and handlers.
func WithCodec() connect.Option {
	return connect.WithCodec(Codec{})
}
