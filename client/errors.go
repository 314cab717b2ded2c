// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoRouter       = errors.New("router cannot be nil")
	ErrNoHTTPClient   = errors.New("http client cannot be nil")
	ErrInvalidRetries = errors.New("max retries must be at least 1")

	// Subscriber errors.
	ErrNoClient      = errors.New("subscriber has no broker client")
	ErrNotSubscribed = errors.New("reference not subscribed to message type")
)
