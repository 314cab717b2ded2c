// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/types"
)

// ToConnectError maps validation and cancellation errors to connect codes.
// Errors already carrying a code are returned unchanged; anything else is
// reported with the fallback code.
func ToConnectError(err error, fallback connect.Code) error {
	if err == nil {
		return nil
	}

	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return err
	}

	switch {
	case errors.Is(err, types.ErrEmptyMessageType),
		errors.Is(err, types.ErrInvalidMessageType),
		errors.Is(err, types.ErrPayloadTooLarge),
		errors.Is(err, types.ErrInvalidReference):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(fallback, err)
	}
}

// IsPermanent reports whether err will fail again on retry regardless of
// which partition receives the request.
func IsPermanent(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeInvalidArgument, connect.CodeUnimplemented, connect.CodePermissionDenied, connect.CodeUnauthenticated:
		return true
	default:
		return false
	}
}

// IsMisrouted reports whether err signals that the request reached a
// partition that does not own the message type.
func IsMisrouted(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeFailedPrecondition, connect.CodeUnavailable, connect.CodeNotFound:
		return true
	default:
		return false
	}
}
