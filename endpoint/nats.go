// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxbus/rpc"
	"github.com/absmach/fluxbus/types"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

var _ Transport = (*NATS)(nil)

// DefaultSubjectPrefix prefixes every delivery subject.
const DefaultSubjectPrefix = "fluxbus.deliver"

type natsReply struct {
	Error string `json:"error,omitempty"`
}

// NATS delivers messages as NATS requests. Each reference maps to a
// subject and the subscriber's reply acknowledges the delivery.
type NATS struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATS returns a NATS transport. An empty prefix uses DefaultSubjectPrefix.
func NewNATS(conn *nats.Conn, prefix string, timeout time.Duration) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATS{conn: conn, prefix: prefix, timeout: timeout}
}

// Deliver implements Transport.
func (t *NATS) Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	subject, err := Subject(t.prefix, ref)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rpc.DeliverRequest{Reference: ref, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, subject, err)
	}

	var reply natsReply
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &reply); err != nil {
			return fmt.Errorf("%w: malformed reply from %s: %w", ErrRejected, subject, err)
		}
	}
	if reply.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrRejected, ref.Key(), reply.Error)
	}
	return nil
}

// Subject returns the delivery subject of ref. Service references without
// a partition share one subject consumed by a queue group. An empty prefix
// uses DefaultSubjectPrefix.
func Subject(prefix string, ref types.Reference) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	switch ref.Kind {
	case types.KindActor:
		return join(prefix, "actor", token(ref.Actor.Service), token(ref.Actor.ActorID)), nil
	case types.KindService:
		if ref.Service.Partition == "" {
			return join(prefix, "service", token(ref.Service.Service)), nil
		}
		return join(prefix, "service", token(ref.Service.Service), token(ref.Service.Partition)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, ref.Kind)
	}
}

func join(parts ...string) string {
	return strings.Join(parts, ".")
}

const hexDigits = "0123456789ABCDEF"

// token encodes s as one subject token. Bytes outside [A-Za-z0-9-] are
// written as _XX, so distinct inputs never share a token.
func token(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// NATSServer serves subscriber handlers on NATS subjects.
type NATSServer struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// NewNATSServer returns a server publishing replies on conn.
func NewNATSServer(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSServer {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSServer{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		subs:   make(map[string][]*nats.Subscription),
	}
}

// Serve subscribes h to the subject of ref. A service reference with a
// partition is also subscribed to the shared service subject.
func (s *NATSServer) Serve(ref types.Reference, h Handler) error {
	subject, err := Subject(s.prefix, ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[ref.Key()]; ok {
		return fmt.Errorf("reference %s is already served", ref.Key())
	}

	cb := s.callback(h)
	sub, err := s.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}
	subs := []*nats.Subscription{sub}

	if ref.Kind == types.KindService && ref.Service.Partition != "" {
		shared, _ := Subject(s.prefix, types.ServiceReference(ref.Service.Service, ""))
		qsub, err := s.conn.QueueSubscribe(shared, token(ref.Service.Service), cb)
		if err != nil {
			_ = sub.Unsubscribe()
			return fmt.Errorf("failed to subscribe %s: %w", shared, err)
		}
		subs = append(subs, qsub)
	}

	s.subs[ref.Key()] = subs
	return nil
}

// Stop unsubscribes the handler served for ref.
func (s *NATSServer) Stop(ref types.Reference) error {
	s.mu.Lock()
	subs := s.subs[ref.Key()]
	delete(s.subs, ref.Key())
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close unsubscribes every handler.
func (s *NATSServer) Close() error {
	s.mu.Lock()
	all := s.subs
	s.subs = make(map[string][]*nats.Subscription)
	s.mu.Unlock()

	var errs []error
	for _, subs := range all {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *NATSServer) callback(h Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var req rpc.DeliverRequest
		var reply natsReply

		if err := json.Unmarshal(m.Data, &req); err != nil {
			reply.Error = fmt.Sprintf("malformed delivery: %v", err)
		} else if err := h.ReceiveMessage(context.Background(), req.Message); err != nil {
			reply.Error = err.Error()
		}

		if m.Reply == "" {
			return
		}

		var data []byte
		if reply.Error != "" {
			data, _ = json.Marshal(reply)
		}
		if err := m.Respond(data); err != nil {
			s.logger.Error("failed to acknowledge delivery",
				slog.String("subject", m.Subject),
				slog.String("error", err.Error()))
		}
	}
}
