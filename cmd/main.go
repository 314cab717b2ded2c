// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	mtls "github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/ratelimit"
	"github.com/absmach/fluxbus/server/api"
	"github.com/absmach/fluxbus/server/health"
	"github.com/absmach/fluxbus/server/otel"
	"github.com/nats-io/nats.go"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting broker service", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"service", cfg.Broker.ServiceName,
		"partition_count", cfg.Broker.PartitionCount,
		"partitions", cfg.Broker.Partitions,
		"api_addr", cfg.Server.APIAddr,
		"advertise_addr", cfg.Server.AdvertiseAddr,
		"storage", cfg.Storage.Type,
		"transport", cfg.Transport.Type,
		"discovery", cfg.Discovery.Type,
		"relay_enabled", cfg.Relay.Enabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, closeDir, err := setupDirectory(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize directory", "error", err)
		os.Exit(1)
	}
	defer closeDir()

	var nc *nats.Conn
	if cfg.Transport.Type == config.TransportNATS {
		nc, err = nats.Connect(cfg.Transport.NATSURL, nats.Name(cfg.Broker.ServiceName))
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.Transport.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		slog.Info("Connected to NATS", "url", cfg.Transport.NATSURL)
	}

	serverTLS, err := mtls.LoadServerConfig(cfg.Server.TLS)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}

	httpClient, err := setupHTTPClient(cfg)
	if err != nil {
		slog.Error("Failed to build HTTP client", "error", err)
		os.Exit(1)
	}

	transport, err := setupTransport(cfg, dir, nc, httpClient, logger)
	if err != nil {
		slog.Error("Failed to initialize transport", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	opts := []partition.Option{partition.WithDirectory(dir)}

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, otel.Instance{
			ID:             cfg.Server.AdvertiseAddr,
			Service:        cfg.Broker.ServiceName,
			PartitionCount: cfg.Broker.PartitionCount,
			Partitions:     cfg.Broker.Partitions,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			opts = append(opts, partition.WithMetrics(m))
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	relay, upstream, err := setupRelay(cfg, dir, httpClient, logger)
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}
	if relay != nil {
		opts = append(opts, relay)
		slog.Info("Relay enabled",
			"upstream", cfg.Relay.UpstreamService,
			"message_types", cfg.Relay.MessageTypes)
	}

	notifier, err := setupNotifier(cfg, httpClient, logger)
	if err != nil {
		slog.Error("Failed to initialize webhook notifier", "error", err)
		os.Exit(1)
	}
	if notifier != nil {
		opts = append(opts, partition.WithNotifier(notifier))
	}

	host, err := partition.New(cfg.PartitionSettings(), cfg.Stores(), transport, logger, opts...)
	if err != nil {
		slog.Error("Failed to create partition host", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := host.Close(context.Background()); err != nil {
			slog.Error("Failed to close partition host", "error", err)
		}
	}()

	if nc != nil {
		inbound := endpoint.NewNATSServer(nc, cfg.Transport.NATSPrefix, logger)
		if err := serveInbound(inbound, host); err != nil {
			slog.Error("Failed to serve partitions over NATS", "error", err)
			os.Exit(1)
		}
		defer inbound.Close()
	}

	var limiter *ratelimit.Manager
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.Server.RateLimit)
		defer limiter.Stop()
		slog.Info("Rate limiting enabled",
			slog.Float64("publish_rate", cfg.Server.RateLimit.Rate),
			slog.Float64("subscribe_rate", cfg.Server.RateLimit.SubscribeRate))
	} else {
		slog.Info("Rate limiting disabled")
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	apiServer := api.New(api.Config{
		Address:         cfg.Server.APIAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		TLSConfig:       serverTLS,
	}, host, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting API server", "address", cfg.Server.APIAddr)
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, host, dir, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if err := host.Start(ctx); err != nil {
		slog.Error("Failed to start partitions", "error", err)
		os.Exit(1)
	}

	if upstream != nil && upstream.Watch(ctx) {
		slog.Info("Watching directory for upstream partition changes", "service", upstream.Service())
	}

	slog.Info("Broker service started successfully", "partitions", host.Partitions())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := host.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Broker service stopped")
}
