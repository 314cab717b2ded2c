// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client publishes messages to and manages subscriptions on a
// partitioned broker service. Each call is routed to the partition owning
// the message type and retried with backoff when the partition moves or
// is briefly unreachable.
package client

import (
	"context"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/types"
	"github.com/alphadose/haxmap"
	"github.com/cenkalti/backoff/v5"
)

var _ broker.RelaySource = (*Client)(nil)

// Receipt acknowledges a durable publish.
type Receipt struct {
	ID        string `json:"id"`
	Sequence  uint64 `json:"sequence"`
	Partition int    `json:"partition"`
	Address   string `json:"address"`
}

// Client calls the partitions of one broker service.
type Client struct {
	router  *router.Router
	opts    *Options
	logger  *slog.Logger
	brokers *haxmap.Map[string, *rpc.BrokerServiceClient]
}

// New creates a client resolving partitions through r. Nil opts uses
// NewOptions.
func New(r *router.Router, opts *Options) (*Client, error) {
	if r == nil {
		return nil, ErrNoRouter
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		router:  r,
		opts:    opts,
		logger:  logger,
		brokers: haxmap.New[string, *rpc.BrokerServiceClient](),
	}, nil
}

// Router returns the router used to locate partitions.
func (c *Client) Router() *router.Router {
	return c.router
}

// Publish wraps v and publishes it under its Go type name.
func (c *Client) Publish(ctx context.Context, v any) (Receipt, error) {
	msg, err := types.NewMessage(v)
	if err != nil {
		return Receipt{}, err
	}
	return c.PublishMessage(ctx, msg)
}

// PublishMessage publishes a wrapped message. It returns once the owning
// partition has durably queued it.
func (c *Client) PublishMessage(ctx context.Context, msg types.MessageWrapper) (Receipt, error) {
	if err := msg.Validate(0); err != nil {
		return Receipt{}, err
	}

	return call(ctx, c, msg.MessageType, func(ctx context.Context, bc *rpc.BrokerServiceClient, ep router.Endpoint) (Receipt, error) {
		resp, err := bc.Publish(ctx, connect.NewRequest(&rpc.PublishRequest{
			Partition: ep.Partition,
			Message:   msg,
		}))
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{
			ID:        resp.Msg.ID,
			Sequence:  resp.Msg.Sequence,
			Partition: ep.Partition,
			Address:   ep.Address,
		}, nil
	})
}

// Register subscribes ref to messageType. Registering twice is a no-op.
func (c *Client) Register(ctx context.Context, messageType string, ref types.Reference) error {
	_, err := c.Subscribe(ctx, messageType, ref)
	return err
}

// Unregister unsubscribes ref from messageType. Unregistering an unknown
// subscription is a no-op.
func (c *Client) Unregister(ctx context.Context, messageType string, ref types.Reference) error {
	_, err := c.Unsubscribe(ctx, messageType, ref)
	return err
}

// Subscribe registers ref for messageType and reports whether the
// subscription is new.
func (c *Client) Subscribe(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	return c.subscription(ctx, messageType, ref, (*rpc.BrokerServiceClient).Register)
}

// Unsubscribe unregisters ref from messageType and reports whether a
// subscription was removed.
func (c *Client) Unsubscribe(ctx context.Context, messageType string, ref types.Reference) (bool, error) {
	return c.subscription(ctx, messageType, ref, (*rpc.BrokerServiceClient).Unregister)
}

type subscriptionCall func(*rpc.BrokerServiceClient, context.Context, *connect.Request[rpc.SubscriptionRequest]) (*connect.Response[rpc.SubscriptionResponse], error)

func (c *Client) subscription(ctx context.Context, messageType string, ref types.Reference, fn subscriptionCall) (bool, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return false, err
	}
	if err := ref.Validate(); err != nil {
		return false, err
	}

	return call(ctx, c, messageType, func(ctx context.Context, bc *rpc.BrokerServiceClient, ep router.Endpoint) (bool, error) {
		resp, err := fn(bc, ctx, connect.NewRequest(&rpc.SubscriptionRequest{
			Partition:   ep.Partition,
			MessageType: messageType,
			Reference:   ref,
		}))
		if err != nil {
			return false, err
		}
		return resp.Msg.Changed, nil
	})
}

// Stats returns the statistics of a partition.
func (c *Client) Stats(ctx context.Context, partition int) (types.BrokerStats, error) {
	ep, err := c.router.Locate(ctx, partition)
	if err != nil {
		return types.BrokerStats{}, err
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.broker(ep.Address).Stats(callCtx, connect.NewRequest(&rpc.StatsRequest{Partition: partition}))
	if err != nil {
		return types.BrokerStats{}, err
	}
	return resp.Msg.Stats, nil
}

// DeadLetters lists the dead letters of messageType.
func (c *Client) DeadLetters(ctx context.Context, messageType string) ([]types.QueuedMessage, error) {
	return call(ctx, c, messageType, func(ctx context.Context, bc *rpc.BrokerServiceClient, ep router.Endpoint) ([]types.QueuedMessage, error) {
		resp, err := bc.DeadLetters(ctx, deadLetterRequest(ep, messageType))
		if err != nil {
			return nil, err
		}
		return resp.Msg.Messages, nil
	})
}

// RetryDeadLetters re-queues the dead letters of messageType and returns
// how many were re-queued.
func (c *Client) RetryDeadLetters(ctx context.Context, messageType string) (int, error) {
	return call(ctx, c, messageType, func(ctx context.Context, bc *rpc.BrokerServiceClient, ep router.Endpoint) (int, error) {
		resp, err := bc.RetryDeadLetters(ctx, deadLetterRequest(ep, messageType))
		if err != nil {
			return 0, err
		}
		return resp.Msg.Count, nil
	})
}

// PurgeDeadLetters drops the dead letters of messageType and returns how
// many were dropped.
func (c *Client) PurgeDeadLetters(ctx context.Context, messageType string) (int, error) {
	return call(ctx, c, messageType, func(ctx context.Context, bc *rpc.BrokerServiceClient, ep router.Endpoint) (int, error) {
		resp, err := bc.PurgeDeadLetters(ctx, deadLetterRequest(ep, messageType))
		if err != nil {
			return 0, err
		}
		return resp.Msg.Count, nil
	})
}

func deadLetterRequest(ep router.Endpoint, messageType string) *connect.Request[rpc.DeadLetterRequest] {
	return connect.NewRequest(&rpc.DeadLetterRequest{
		Partition:   ep.Partition,
		MessageType: messageType,
	})
}

func (c *Client) broker(addr string) *rpc.BrokerServiceClient {
	bc, _ := c.brokers.GetOrCompute(addr, func() *rpc.BrokerServiceClient {
		return rpc.NewBrokerServiceClient(c.opts.HTTPClient, addr)
	})
	return bc
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// call runs fn against the partition owning messageType. Misrouted calls
// invalidate the cached resolution before the next attempt; permanent
// errors are returned at once.
func call[T any](ctx context.Context, c *Client, messageType string, fn func(context.Context, *rpc.BrokerServiceClient, router.Endpoint) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	res, err := backoff.Retry(ctx, func() (T, error) {
		var zero T

		ep, err := c.router.Resolve(ctx, messageType)
		if err != nil {
			return zero, backoff.Permanent(err)
		}

		callCtx, cancel := c.callContext(ctx)
		defer cancel()

		res, err := fn(callCtx, c.broker(ep.Address), ep)
		if err == nil {
			return res, nil
		}
		if rpc.IsPermanent(err) {
			return zero, backoff.Permanent(err)
		}
		if rpc.IsMisrouted(err) {
			c.router.Invalidate(messageType)
		}

		c.logger.Debug("broker call failed, retrying",
			slog.String("message_type", messageType),
			slog.Int("partition", ep.Partition),
			slog.String("address", ep.Address),
			slog.String("error", err.Error()))
		return zero, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.opts.MaxRetries))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", messageType, err)
	}
	return res, nil
}
