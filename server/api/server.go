// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api serves the broker and subscriber RPC contracts over HTTP/2,
// cleartext or TLS, using connect.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/absmach/fluxbus/partition"
	mtls "github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/ratelimit"
	"github.com/absmach/fluxbus/rpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
}

// Server serves the broker partitions of a host. Relayed deliveries sent
// to the subscriber contract are handed to the host's partitions.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates an API server. A nil limiter disables rate limiting.
func New(config Config, host *partition.Host, limiter *ratelimit.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	h2s := &http2.Server{}
	httpServer := &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(NewMux(host, limiter, logger), h2s),
		TLSConfig:    config.TLSConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &Server{
		config:     config,
		httpServer: httpServer,
		logger:     logger,
	}
}

// NewMux mounts the broker and subscriber services of host.
func NewMux(host *partition.Host, limiter *ratelimit.Manager, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}

	logging := connect.WithInterceptors(LoggingInterceptor(logger))
	opts := []connect.HandlerOption{logging}
	if limiter != nil {
		opts = append(opts, connect.WithInterceptors(RateLimitInterceptor(limiter)))
	}

	mux := http.NewServeMux()

	path, handler := rpc.NewBrokerServiceHandler(NewHandler(host, logger), opts...)
	mux.Handle(path, handler)

	path, handler = rpc.NewSubscriberServiceHandler(NewSubscriberHandler(host.Inbound(), logger), logging)
	mux.Handle(path, handler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Listen serves until ctx is done, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSConfig != nil {
			s.logger.Info("Starting API server",
				slog.String("address", s.config.Address),
				slog.String("security", mtls.SecurityStatus(s.config.TLSConfig)))
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			s.logger.Info("Starting API server (h2c)",
				slog.String("address", s.config.Address))
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}
