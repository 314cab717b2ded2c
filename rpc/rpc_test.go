// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "json", c.Name())

	in := DeliverRequest{
		Reference: types.ActorReference("orders", "7"),
		Message:   types.MessageWrapper{MessageType: "a.B", Payload: []byte(`{"x":1}`)},
	}
	data, err := c.Marshal(&in)
	require.NoError(t, err)

	var out DeliverRequest
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestToConnectError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code connect.Code
	}{
		{name: "empty type", err: types.ErrEmptyMessageType, code: connect.CodeInvalidArgument},
		{name: "wrapped reference", err: fmt.Errorf("register: %w", types.ErrInvalidReference), code: connect.CodeInvalidArgument},
		{name: "payload", err: types.ErrPayloadTooLarge, code: connect.CodeInvalidArgument},
		{name: "deadline", err: context.DeadlineExceeded, code: connect.CodeDeadlineExceeded},
		{name: "canceled", err: context.Canceled, code: connect.CodeCanceled},
		{name: "other", err: errors.New("disk full"), code: connect.CodeInternal},
		{name: "already coded", err: connect.NewError(connect.CodeNotFound, errors.New("x")), code: connect.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ToConnectError(tt.err, connect.CodeInternal)
			assert.Equal(t, tt.code, connect.CodeOf(err))
		})
	}

	assert.NoError(t, ToConnectError(nil, connect.CodeInternal))
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, IsPermanent(connect.NewError(connect.CodeInvalidArgument, errors.New("bad"))))
	assert.False(t, IsPermanent(connect.NewError(connect.CodeUnavailable, errors.New("down"))))
	assert.True(t, IsMisrouted(connect.NewError(connect.CodeFailedPrecondition, errors.New("moved"))))
	assert.False(t, IsMisrouted(connect.NewError(connect.CodeInternal, errors.New("boom"))))
}
