// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
)

// Default values.
const (
	DefaultCallTimeout    = 10 * time.Second
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
)

// Options configures the broker client.
type Options struct {
	HTTPClient     connect.HTTPClient // Transport for broker calls
	CallTimeout    time.Duration      // Timeout of a single broker call
	MaxRetries     uint               // Attempts per operation, including the first
	InitialBackoff time.Duration      // Delay before the first retry
	MaxBackoff     time.Duration      // Maximum delay between retries
	Logger         *slog.Logger
}

// NewOptions returns options with default values.
func NewOptions() *Options {
	return &Options{
		HTTPClient:     http.DefaultClient,
		CallTimeout:    DefaultCallTimeout,
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Logger:         slog.Default(),
	}
}

// SetHTTPClient sets the HTTP client used for broker calls.
func (o *Options) SetHTTPClient(c connect.HTTPClient) *Options {
	o.HTTPClient = c
	return o
}

// SetCallTimeout sets the timeout of a single broker call.
func (o *Options) SetCallTimeout(d time.Duration) *Options {
	o.CallTimeout = d
	return o
}

// SetMaxRetries sets the number of attempts per operation.
func (o *Options) SetMaxRetries(n uint) *Options {
	o.MaxRetries = n
	return o
}

// SetBackoff sets the retry delays.
func (o *Options) SetBackoff(initial, maxDelay time.Duration) *Options {
	o.InitialBackoff = initial
	o.MaxBackoff = maxDelay
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.HTTPClient == nil {
		return ErrNoHTTPClient
	}
	if o.MaxRetries == 0 {
		return ErrInvalidRetries
	}
	return nil
}
