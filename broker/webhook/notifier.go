// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxbus/broker/events"
	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// GenericNotifier implements webhook notifications with a worker pool and a
// circuit breaker per endpoint.
type GenericNotifier struct {
	cfg       Config
	source    string
	endpoints []*endpointConfig
	queue     chan eventJob
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger

	wg        sync.WaitGroup
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	typeFilters  []string
	headers      map[string]string
	timeout      time.Duration
	retry        RetryConfig
}

type eventJob struct {
	event    events.Event
	endpoint *endpointConfig
	attempt  int
	backoff  *backoff.ExponentialBackOff
}

// NewNotifier creates a notifier and starts its workers. source identifies
// this process in event envelopes.
func NewNotifier(cfg Config, source string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if cfg.QueueSize <= 0 || cfg.Workers <= 0 {
		return nil, fmt.Errorf("queue size and workers must be positive")
	}

	endpoints := make([]*endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, &endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			typeFilters:  ep.MessageTypes,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &GenericNotifier{
		cfg:       cfg,
		source:    source,
		endpoints: endpoints,
		queue:     make(chan eventJob, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		done:      make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues event for every matching endpoint. It never blocks: when
// the queue is full the drop policy decides which event is lost.
func (n *GenericNotifier) Notify(_ context.Context, event events.Event) error {
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.cfg.IncludePayload {
		if c, ok := event.(events.PayloadCarrier); ok {
			event = c.WithoutPayload()
		}
	}

	for _, ep := range n.endpoints {
		if !shouldNotify(ep, event) {
			continue
		}
		n.enqueue(eventJob{event: event, endpoint: ep})
	}
	return nil
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.queue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == DropOldest {
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- job:
			return
		default:
		}
	}
	n.logger.Error("webhook queue full, event dropped",
		slog.String("event_type", job.event.Type()),
		slog.String("endpoint", job.endpoint.name))
}

// shouldNotify reports whether the endpoint filters accept event.
func shouldNotify(ep *endpointConfig, event events.Event) bool {
	if len(ep.eventFilters) > 0 && !ep.eventFilters[event.Type()] {
		return false
	}
	if len(ep.typeFilters) == 0 {
		return true
	}
	for _, pattern := range ep.typeFilters {
		if ok, _ := path.Match(pattern, event.Subject()); ok {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			n.flush()
			return
		case job := <-n.queue:
			n.process(job)
		}
	}
}

// flush processes whatever is still queued without waiting for more.
func (n *GenericNotifier) flush() {
	for {
		select {
		case job := <-n.queue:
			n.process(job)
		default:
			return
		}
	}
}

// process sends a webhook through the endpoint breaker, scheduling a retry
// on failure.
func (n *GenericNotifier) process(job eventJob) {
	breaker := n.breakers[job.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt >= job.endpoint.retry.MaxAttempts-1 || n.closed.Load() {
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	if job.backoff == nil {
		job.backoff = &backoff.ExponentialBackOff{
			InitialInterval: job.endpoint.retry.InitialInterval,
			Multiplier:      job.endpoint.retry.Multiplier,
			MaxInterval:     job.endpoint.retry.MaxInterval,
		}
		job.backoff.Reset()
	}
	job.attempt++
	delay := job.backoff.NextBackOff()

	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		select {
		case n.queue <- job:
		default:
			n.logger.Error("failed to requeue event for retry",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.event.Type()))
		}
	})
}

// send marshals the event envelope and delegates to the sender.
func (n *GenericNotifier) send(job eventJob) error {
	payload, err := json.Marshal(job.event.Wrap(n.source))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload); err != nil {
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()))
	return nil
}

// Close stops accepting events and waits for the workers to flush the
// queue or for the shutdown timeout. Scheduled retries are abandoned.
func (n *GenericNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.done)

		finished := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(finished)
		}()

		timeout := n.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		select {
		case <-finished:
			n.logger.Info("webhook notifier stopped")
		case <-time.After(timeout):
			err = errors.New("webhook notifier shutdown timed out")
			n.logger.Warn("webhook notifier shutdown timed out, some events may be lost",
				slog.Int("queue_depth", len(n.queue)))
		}
	})
	return err
}
