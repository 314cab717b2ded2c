// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(&orderPlaced{OrderID: "o-1", Amount: 3})
	require.NoError(t, err)

	assert.Equal(t, "github.com/absmach/fluxbus/types.orderPlaced", msg.MessageType)
	assert.JSONEq(t, `{"order_id":"o-1","amount":3}`, string(msg.Payload))

	var decoded orderPlaced
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 3}, decoded)
}

func TestNewMessage_Nil(t *testing.T) {
	_, err := NewMessage(nil)
	assert.ErrorIs(t, err, ErrNilValue)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, TypeName(orderPlaced{}), TypeName(&orderPlaced{}))
	assert.Equal(t, "string", TypeName("x"))
	assert.Equal(t, "map[string]int", TypeName(map[string]int{}))
}

func TestMessageWrapper_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     MessageWrapper
		maxSize int
		err     error
	}{
		{name: "valid", msg: MessageWrapper{MessageType: "a.B", Payload: []byte("{}")}},
		{name: "empty type", msg: MessageWrapper{Payload: []byte("{}")}, err: ErrEmptyMessageType},
		{name: "blank type", msg: MessageWrapper{MessageType: "  "}, err: ErrEmptyMessageType},
		{name: "nul byte", msg: MessageWrapper{MessageType: "a\x00b"}, err: ErrInvalidMessageType},
		{name: "separator", msg: MessageWrapper{MessageType: "a|b"}, err: ErrInvalidMessageType},
		{name: "too large", msg: MessageWrapper{MessageType: "a.B", Payload: make([]byte, 11)}, maxSize: 10, err: ErrPayloadTooLarge},
		{name: "at limit", msg: MessageWrapper{MessageType: "a.B", Payload: make([]byte, 10)}, maxSize: 10},
		{name: "unlimited", msg: MessageWrapper{MessageType: "a.B", Payload: make([]byte, 1<<16)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate(tt.maxSize)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestReference_Key(t *testing.T) {
	assert.Equal(t, "actor:orders/42", ActorReference("orders", "42").Key())
	assert.Equal(t, "service:billing", ServiceReference("billing", "").Key())
	assert.Equal(t, "service:billing#3", ServiceReference("billing", "3").Key())
	assert.Empty(t, Reference{Kind: "bogus"}.Key())
	assert.Empty(t, Reference{Kind: KindActor}.Key())
}

func TestReference_Validate(t *testing.T) {
	tests := []struct {
		name  string
		ref   Reference
		valid bool
	}{
		{name: "actor", ref: ActorReference("orders", "42"), valid: true},
		{name: "service", ref: ServiceReference("billing", ""), valid: true},
		{name: "service partition", ref: ServiceReference("billing", "1"), valid: true},
		{name: "actor without id", ref: ActorReference("orders", "")},
		{name: "actor without service", ref: ActorReference("", "42")},
		{name: "service without name", ref: ServiceReference("", "1")},
		{name: "missing variant", ref: Reference{Kind: KindActor}},
		{name: "both variants", ref: Reference{
			Kind:    KindService,
			Actor:   &ActorRef{Service: "a", ActorID: "b"},
			Service: &ServiceRef{Service: "a"},
		}},
		{name: "unknown kind", ref: Reference{Kind: "queue"}},
		{name: "separator", ref: ActorReference("orders", "a|b")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidReference)
		})
	}
}

func TestParseReference(t *testing.T) {
	for _, ref := range []Reference{
		ActorReference("orders", "42"),
		ServiceReference("billing", ""),
		ServiceReference("billing", "3"),
	} {
		got, err := ParseReference(ref.Key())
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	}

	for _, key := range []string{"orders/42", "actor:orders", "actor:/42", "service:", "queue:orders"} {
		_, err := ParseReference(key)
		assert.ErrorIs(t, err, ErrInvalidReference, key)
	}
}

func TestReference_ServiceName(t *testing.T) {
	assert.Equal(t, "orders", ActorReference("orders", "1").ServiceName())
	assert.Equal(t, "billing", ServiceReference("billing", "").ServiceName())
	assert.Empty(t, Reference{}.ServiceName())
}

func TestSubscriptionKey(t *testing.T) {
	w := ReferenceWrapper{Reference: ActorReference("orders", "1"), MessageType: "a.B"}
	assert.Equal(t, "a.B|actor:orders/1", w.SubscriptionKey())
	assert.True(t, strings.HasPrefix(w.SubscriptionKey(), w.MessageType+"|"))
}

func TestQueuedMessage_Delivery(t *testing.T) {
	subs := []ReferenceWrapper{
		{Reference: ActorReference("s", "1")},
		{Reference: ActorReference("s", "2")},
	}

	var q QueuedMessage
	assert.Len(t, q.Pending(subs), 2)

	assert.True(t, q.MarkDelivered(subs[0].Key()))
	assert.False(t, q.MarkDelivered(subs[0].Key()))
	assert.True(t, q.Delivered(subs[0].Key()))

	pending := q.Pending(subs)
	require.Len(t, pending, 1)
	assert.Equal(t, subs[1].Key(), pending[0].Key())

	q.MarkDelivered(subs[1].Key())
	assert.Empty(t, q.Pending(subs))
}
