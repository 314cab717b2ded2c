// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/partition"
	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/storage"
	"github.com/absmach/fluxbus/types"
)

var _ rpc.BrokerServiceHandler = (*Handler)(nil)

// Handler serves the broker RPC contract for the partitions of a host.
type Handler struct {
	host   *partition.Host
	logger *slog.Logger
}

// NewHandler creates a broker service handler.
func NewHandler(host *partition.Host, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		host:   host,
		logger: logger,
	}
}

func (h *Handler) Publish(ctx context.Context, req *connect.Request[rpc.PublishRequest]) (*connect.Response[rpc.PublishResponse], error) {
	msg := req.Msg.Message
	if err := msg.Validate(0); err != nil {
		return nil, rpc.ToConnectError(err, connect.CodeInvalidArgument)
	}

	b, err := h.route(req.Msg.Partition, msg.MessageType)
	if err != nil {
		return nil, err
	}

	item, err := b.Publish(ctx, msg)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	h.logger.Debug("message published",
		slog.String("message_type", msg.MessageType),
		slog.Int("partition", req.Msg.Partition),
		slog.String("id", item.ID),
		slog.String("peer", req.Peer().Addr))

	return connect.NewResponse(&rpc.PublishResponse{
		ID:       item.ID,
		Sequence: item.Sequence,
	}), nil
}

func (h *Handler) Register(ctx context.Context, req *connect.Request[rpc.SubscriptionRequest]) (*connect.Response[rpc.SubscriptionResponse], error) {
	b, err := h.subscription(req.Msg)
	if err != nil {
		return nil, err
	}

	changed, err := b.Register(ctx, req.Msg.MessageType, req.Msg.Reference)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&rpc.SubscriptionResponse{Changed: changed}), nil
}

func (h *Handler) Unregister(ctx context.Context, req *connect.Request[rpc.SubscriptionRequest]) (*connect.Response[rpc.SubscriptionResponse], error) {
	b, err := h.subscription(req.Msg)
	if err != nil {
		return nil, err
	}

	changed, err := b.Unregister(ctx, req.Msg.MessageType, req.Msg.Reference)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&rpc.SubscriptionResponse{Changed: changed}), nil
}

func (h *Handler) Stats(ctx context.Context, req *connect.Request[rpc.StatsRequest]) (*connect.Response[rpc.StatsResponse], error) {
	b, err := h.host.Broker(req.Msg.Partition)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	stats, err := b.Stats(ctx)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&rpc.StatsResponse{
		Partition: req.Msg.Partition,
		Stats:     stats,
	}), nil
}

func (h *Handler) DeadLetters(ctx context.Context, req *connect.Request[rpc.DeadLetterRequest]) (*connect.Response[rpc.DeadLettersResponse], error) {
	b, err := h.typed(req.Msg.Partition, req.Msg.MessageType)
	if err != nil {
		return nil, err
	}

	msgs, err := b.DeadLetters(ctx, req.Msg.MessageType)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return connect.NewResponse(&rpc.DeadLettersResponse{Messages: msgs}), nil
}

func (h *Handler) RetryDeadLetters(ctx context.Context, req *connect.Request[rpc.DeadLetterRequest]) (*connect.Response[rpc.DeadLetterCountResponse], error) {
	b, err := h.typed(req.Msg.Partition, req.Msg.MessageType)
	if err != nil {
		return nil, err
	}

	n, err := b.RetryDeadLetters(ctx, req.Msg.MessageType)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	h.logger.Info("dead letters requeued",
		slog.String("message_type", req.Msg.MessageType),
		slog.Int("partition", req.Msg.Partition),
		slog.Int("count", n))
	return connect.NewResponse(&rpc.DeadLetterCountResponse{Count: n}), nil
}

func (h *Handler) PurgeDeadLetters(ctx context.Context, req *connect.Request[rpc.DeadLetterRequest]) (*connect.Response[rpc.DeadLetterCountResponse], error) {
	b, err := h.typed(req.Msg.Partition, req.Msg.MessageType)
	if err != nil {
		return nil, err
	}

	n, err := b.PurgeDeadLetters(ctx, req.Msg.MessageType)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	h.logger.Info("dead letters purged",
		slog.String("message_type", req.Msg.MessageType),
		slog.Int("partition", req.Msg.Partition),
		slog.Int("count", n))
	return connect.NewResponse(&rpc.DeadLetterCountResponse{Count: n}), nil
}

func (h *Handler) subscription(req *rpc.SubscriptionRequest) (*broker.Broker, error) {
	if err := req.Reference.Validate(); err != nil {
		return nil, rpc.ToConnectError(err, connect.CodeInvalidArgument)
	}
	return h.typed(req.Partition, req.MessageType)
}

func (h *Handler) typed(p int, messageType string) (*broker.Broker, error) {
	if err := types.ValidateMessageType(messageType); err != nil {
		return nil, rpc.ToConnectError(err, connect.CodeInvalidArgument)
	}
	return h.route(p, messageType)
}

func (h *Handler) route(p int, messageType string) (*broker.Broker, error) {
	if !h.host.Running() {
		return nil, connect.NewError(connect.CodeUnavailable, partition.ErrNotRunning)
	}

	b, err := h.host.Route(p, messageType)
	if err != nil {
		return nil, h.toConnectError(err)
	}
	return b, nil
}

func (h *Handler) toConnectError(err error) error {
	switch {
	case errors.Is(err, partition.ErrWrongPartition):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, partition.ErrNotHosted):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, partition.ErrNotRunning), errors.Is(err, storage.ErrClosed):
		return connect.NewError(connect.CodeUnavailable, err)
	}

	cerr := rpc.ToConnectError(err, connect.CodeInternal)
	if connect.CodeOf(cerr) == connect.CodeInternal {
		h.logger.Error("broker request failed", slog.String("error", err.Error()))
	}
	return cerr
}
