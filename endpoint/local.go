// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/fluxbus/types"
)

var _ Transport = (*Local)(nil)

// Local delivers to handlers bound in the same process. Service
// references without a partition match any binding of that service.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	services map[string]map[string]Handler
}

// NewLocal returns an empty in-process transport.
func NewLocal() *Local {
	return &Local{
		handlers: make(map[string]Handler),
		services: make(map[string]map[string]Handler),
	}
}

// Bind attaches h to the endpoint identified by ref, replacing any previous binding.
func (l *Local) Bind(ref types.Reference, h Handler) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := ref.Key()
	l.handlers[key] = h
	if ref.Kind == types.KindService {
		svc := l.services[ref.Service.Service]
		if svc == nil {
			svc = make(map[string]Handler)
			l.services[ref.Service.Service] = svc
		}
		svc[key] = h
	}
	return nil
}

// Unbind detaches the handler bound to ref.
func (l *Local) Unbind(ref types.Reference) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ref.Key()
	delete(l.handlers, key)
	if ref.Kind == types.KindService && ref.Service != nil {
		if svc := l.services[ref.Service.Service]; svc != nil {
			delete(svc, key)
			if len(svc) == 0 {
				delete(l.services, ref.Service.Service)
			}
		}
	}
}

// Deliver hands msg to the handler bound to ref.
func (l *Local) Deliver(ctx context.Context, ref types.Reference, msg types.MessageWrapper) error {
	h, err := l.lookup(ref)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.ReceiveMessage(ctx, msg)
}

func (l *Local) lookup(ref types.Reference) (Handler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch ref.Kind {
	case types.KindActor:
		if h, ok := l.handlers[ref.Key()]; ok {
			return h, nil
		}
	case types.KindService:
		if h, ok := l.handlers[ref.Key()]; ok {
			return h, nil
		}
		if ref.Service != nil && ref.Service.Partition == "" {
			for _, h := range l.services[ref.Service.Service] {
				return h, nil
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, ref.Kind)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnreachable, ref.Key())
}
