// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/ratelimit"
	"github.com/absmach/fluxbus/rpc"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitInterceptor rejects publishes and subscription changes from
// peers over their limit with ResourceExhausted.
func RateLimitInterceptor(m *ratelimit.Manager) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			peer := req.Peer().Addr

			allowed := true
			switch req.Spec().Procedure {
			case rpc.PublishProcedure:
				allowed = m.AllowPublish(peer)
			case rpc.RegisterProcedure, rpc.UnregisterProcedure:
				allowed = m.AllowSubscribe(peer)
			}
			if !allowed {
				return nil, connect.NewError(connect.CodeResourceExhausted, errRateLimited)
			}

			return next(ctx, req)
		}
	}
}

// LoggingInterceptor logs every call with its peer, duration and outcome.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
			defer func(begin time.Time) {
				attrs := []any{
					slog.String("procedure", req.Spec().Procedure),
					slog.String("remote_addr", req.Peer().Addr),
					slog.String("duration", time.Since(begin).String()),
				}
				if err != nil {
					attrs = append(attrs, slog.String("code", connect.CodeOf(err).String()), slog.Any("error", err))
				}
				logger.Debug("RPC handled", attrs...)
			}(time.Now())

			return next(ctx, req)
		}
	}
}
