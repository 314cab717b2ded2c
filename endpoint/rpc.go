// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/types"
	"github.com/alphadose/haxmap"
)

var _ Transport = (*RPC)(nil)

// RPC delivers messages with SubscriberService.ReceiveMessage calls.
type RPC struct {
	resolver   Resolver
	httpClient connect.HTTPClient
	timeout    time.Duration
	clients    *haxmap.Map[string, *rpc.SubscriberServiceClient]
}

// NewRPC returns an RPC transport. A nil httpClient uses http.DefaultClient.
func NewRPC(resolver Resolver, httpClient connect.HTTPClient, timeout time.Duration) *RPC {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RPC{
		resolver:   resolver,
		httpClient: httpClient,
		timeout:    timeout,
		clients:    haxmap.New[string, *rpc.SubscriberServiceClient](),
	}
}

// Deliver implements Transport.
func (t *RPC) Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	addr, err := t.resolver.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, ref.Key(), err)
	}

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	client, _ := t.clients.GetOrCompute(addr, func() *rpc.SubscriberServiceClient {
		return rpc.NewSubscriberServiceClient(t.httpClient, addr)
	})

	_, err = client.ReceiveMessage(ctx, connect.NewRequest(&rpc.DeliverRequest{
		Reference: ref,
		Message:   msg,
	}))
	if err == nil {
		return nil
	}

	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeNotFound, connect.CodeUnimplemented:
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, ref.Key(), err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrRejected, ref.Key(), err)
	}
}
