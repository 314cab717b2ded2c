// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/absmach/fluxbus/broker/events"
)

// Notifier receives broker lifecycle events. Notify must not block.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n Notifier) Option {
	return func(b *Broker) {
		b.notifier = n
	}
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		b.logger.Warn("failed to publish event",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}
