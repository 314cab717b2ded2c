// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/absmach/fluxbus/broker/webhook"
	"github.com/absmach/fluxbus/client"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/endpoint"
	"github.com/absmach/fluxbus/partition"
	mtls "github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/types"
	"github.com/nats-io/nats.go"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// setupDirectory returns the naming directory selected by the
// configuration and a function releasing it.
func setupDirectory(cfg *config.Config, logger *slog.Logger) (cluster.Directory, func(), error) {
	switch cfg.Discovery.Type {
	case config.DiscoveryStatic:
		dir, err := cluster.NewStaticDirectory(cfg.StaticInstances()...)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() {}, nil

	case config.DiscoveryEtcd:
		etcdCfg := cfg.EtcdSettings()

		stopEmbedded := func() {}
		if cfg.Discovery.Etcd.Embedded.Enabled {
			e, err := cluster.StartEmbedded(cfg.EmbeddedEtcdSettings(), logger)
			if err != nil {
				return nil, nil, err
			}
			stopEmbedded = e.Close
			etcdCfg.Endpoints = []string{cfg.Discovery.Etcd.Embedded.ClientAddr}
		}

		dir, err := cluster.NewEtcdDirectory(etcdCfg, logger)
		if err != nil {
			stopEmbedded()
			return nil, nil, err
		}
		return dir, func() {
			if err := dir.Close(); err != nil {
				logger.Error("Failed to close etcd directory", "error", err)
			}
			stopEmbedded()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown discovery type %q", cfg.Discovery.Type)
	}
}

// setupHTTPClient returns the client used for outbound RPC calls. A
// server CA switches it to TLS.
func setupHTTPClient(cfg *config.Config) (*http.Client, error) {
	if cfg.Server.TLS.ServerCAFile == "" {
		return http.DefaultClient, nil
	}

	tlsCfg, err := mtls.LoadClientConfig(cfg.Server.TLS)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	transport.ForceAttemptHTTP2 = true
	return &http.Client{Transport: transport}, nil
}

// setupTransport returns the transport delivering to subscribers. The
// NATS transport requires conn.
func setupTransport(cfg *config.Config, dir cluster.Directory, conn *nats.Conn, httpClient *http.Client, logger *slog.Logger) (endpoint.Transport, error) {
	var t endpoint.Transport
	switch cfg.Transport.Type {
	case config.TransportRPC:
		t = endpoint.NewRPC(endpoint.NewDirectoryResolver(dir), httpClient, cfg.Transport.Timeout)
	case config.TransportNATS:
		if conn == nil {
			return nil, errors.New("nats transport requires a connection")
		}
		t = endpoint.NewNATS(conn, cfg.Transport.NATSPrefix, cfg.Transport.Timeout)
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}

	if cfg.Transport.CircuitBreaker.Enabled {
		t = endpoint.NewBreaker(t, cfg.BreakerSettings(), logger)
	}
	return t, nil
}

// setupRelay returns the host option relaying upstream message types,
// along with the router locating the upstream service. Both are nil when
// relaying is disabled.
func setupRelay(cfg *config.Config, dir cluster.Directory, httpClient *http.Client, logger *slog.Logger) (partition.Option, *router.Router, error) {
	if !cfg.Relay.Enabled {
		return nil, nil, nil
	}

	upstream := router.New(dir, cfg.RouterSettings(cfg.Relay.UpstreamService), logger)
	opts := client.NewOptions().
		SetHTTPClient(httpClient).
		SetCallTimeout(cfg.Client.Timeout).
		SetMaxRetries(uint(cfg.Client.MaxRetries)).
		SetBackoff(cfg.Client.InitialBackoff, cfg.Client.MaxBackoff).
		SetLogger(logger)

	c, err := client.New(upstream, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create relay client: %w", err)
	}
	return partition.WithRelay(c, cfg.Relay.MessageTypes...), upstream, nil
}

// setupNotifier starts the webhook notifier when enabled. Webhook calls
// share the outbound HTTP client and its TLS settings.
func setupNotifier(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (*webhook.GenericNotifier, error) {
	if !cfg.Webhook.Enabled {
		return nil, nil
	}
	return webhook.NewNotifier(cfg.Webhook, cfg.Broker.ServiceName, webhook.NewHTTPSender(httpClient), logger)
}

// serveInbound serves the hosted partitions over NATS so an upstream
// broker using the NATS transport can relay to them.
func serveInbound(srv *endpoint.NATSServer, host *partition.Host) error {
	inbound := host.Inbound()
	for _, p := range host.Partitions() {
		ref := host.Self(p)
		h := endpoint.HandlerFunc(func(ctx context.Context, msg types.MessageWrapper) error {
			return inbound.Deliver(ctx, ref, msg)
		})
		if err := srv.Serve(ref, h); err != nil {
			return err
		}
	}
	return nil
}
