// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxbus/broker"
	"github.com/absmach/fluxbus/endpoint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/fluxbus"

var _ broker.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the broker partitions.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPublished metric.Int64Counter
	bytesPublished    metric.Int64Counter
	deliveries        metric.Int64Counter
	deliveryFailures  metric.Int64Counter
	deadLetters       metric.Int64Counter

	// Gauges
	queueDepth metric.Int64Gauge

	// Histograms
	messageSize      metric.Int64Histogram
	deliveryDuration metric.Float64Histogram
	drainDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"fluxbus.messages.published.total",
		metric.WithDescription("Total messages accepted for delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.bytesPublished, err = m.meter.Int64Counter(
		"fluxbus.bytes.published.total",
		metric.WithDescription("Total payload bytes accepted for delivery"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesPublished counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Counter(
		"fluxbus.deliveries.total",
		metric.WithDescription("Total acknowledged deliveries to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.deliveryFailures, err = m.meter.Int64Counter(
		"fluxbus.delivery.failures.total",
		metric.WithDescription("Total failed deliveries by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryFailures counter: %w", err)
	}

	m.deadLetters, err = m.meter.Int64Counter(
		"fluxbus.dead_letters.total",
		metric.WithDescription("Total messages moved to the dead-letter namespace"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLetters counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64Gauge(
		"fluxbus.queue.depth",
		metric.WithDescription("Messages waiting for delivery per message type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"fluxbus.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"fluxbus.delivery.duration.ms",
		metric.WithDescription("Single subscriber delivery duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.drainDuration, err = m.meter.Float64Histogram(
		"fluxbus.drain.duration.ms",
		metric.WithDescription("Queue drain cycle duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create drainDuration histogram: %w", err)
	}

	return m, nil
}

// RecordPublish records a message accepted for delivery.
func (m *Metrics) RecordPublish(messageType string, size int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("message_type", messageType))
	m.messagesPublished.Add(ctx, 1, attrs)
	m.bytesPublished.Add(ctx, int64(size), attrs)
	m.messageSize.Record(ctx, int64(size), attrs)
}

// RecordDelivery records one delivery attempt to one subscriber.
func (m *Metrics) RecordDelivery(messageType string, d time.Duration, err error) {
	ctx := context.Background()
	m.deliveryDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("message_type", messageType)))

	if err == nil {
		m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
		return
	}
	m.deliveryFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("reason", failureReason(err)),
	))
}

// RecordDeadLetter records a message moved to the dead-letter namespace.
func (m *Metrics) RecordDeadLetter(messageType string) {
	m.deadLetters.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
	))
}

// RecordQueueDepth records the number of messages waiting for delivery.
func (m *Metrics) RecordQueueDepth(messageType string, depth int) {
	m.queueDepth.Record(context.Background(), int64(depth), metric.WithAttributes(
		attribute.String("message_type", messageType),
	))
}

// RecordDrain records the duration of a drain cycle.
func (m *Metrics) RecordDrain(messageType string, d time.Duration) {
	m.drainDuration.Record(context.Background(), float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("message_type", messageType)))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, endpoint.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, endpoint.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
