// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/rpc"
)

var _ rpc.SubscriberServiceHandler = (*SubscriberHandler)(nil)

// SubscriberHandler serves the subscriber RPC contract by handing each
// delivery to the endpoint bound to its reference.
type SubscriberHandler struct {
	endpoints endpoint.Transport
	logger    *slog.Logger
}

// NewSubscriberHandler creates a subscriber service handler.
func NewSubscriberHandler(endpoints endpoint.Transport, logger *slog.Logger) *SubscriberHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &SubscriberHandler{
		endpoints: endpoints,
		logger:    logger,
	}
}

func (h *SubscriberHandler) ReceiveMessage(ctx context.Context, req *connect.Request[rpc.DeliverRequest]) (*connect.Response[rpc.DeliverResponse], error) {
	ref := req.Msg.Reference
	if err := ref.Validate(); err != nil {
		return nil, rpc.ToConnectError(err, connect.CodeInvalidArgument)
	}
	if err := req.Msg.Message.Validate(0); err != nil {
		return nil, rpc.ToConnectError(err, connect.CodeInvalidArgument)
	}

	if err := h.endpoints.Deliver(ctx, ref, req.Msg.Message); err != nil {
		switch {
		case errors.Is(err, endpoint.ErrUnreachable):
			return nil, connect.NewError(connect.CodeNotFound, err)
		case errors.Is(err, endpoint.ErrUnknownKind):
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}

		h.logger.Warn("subscriber rejected message",
			slog.String("reference", ref.Key()),
			slog.String("message_type", req.Msg.Message.MessageType),
			slog.String("error", err.Error()))
		return nil, rpc.ToConnectError(err, connect.CodeAborted)
	}

	return connect.NewResponse(&rpc.DeliverResponse{}), nil
}
