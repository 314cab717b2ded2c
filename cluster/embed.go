// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.etcd.io/etcd/server/v3/embed"
)

// EmbeddedConfig configures a single-node embedded etcd server.
type EmbeddedConfig struct {
	Name         string
	DataDir      string
	PeerAddr     string
	ClientAddr   string
	StartTimeout time.Duration
}

// StartEmbedded starts an embedded etcd server and waits until it is ready
// to serve clients.
func StartEmbedded(cfg EmbeddedConfig, logger *slog.Logger) (*embed.Etcd, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}

	eCfg := embed.NewConfig()
	eCfg.Name = cfg.Name
	eCfg.Dir = cfg.DataDir

	peerURL, err := url.Parse("http://" + cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address: %w", err)
	}
	eCfg.ListenPeerUrls = []url.URL{*peerURL}
	eCfg.AdvertisePeerUrls = []url.URL{*peerURL}

	clientURL, err := url.Parse("http://" + cfg.ClientAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid client address: %w", err)
	}
	eCfg.ListenClientUrls = []url.URL{*clientURL}
	eCfg.AdvertiseClientUrls = []url.URL{*clientURL}

	eCfg.InitialCluster = eCfg.InitialClusterFromName(cfg.Name)
	eCfg.ClusterState = embed.ClusterStateFlagNew

	eCfg.Logger = "zap"
	eCfg.LogLevel = "error"

	e, err := embed.StartEtcd(eCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
		logger.Info("embedded etcd ready",
			slog.String("name", cfg.Name),
			slog.String("client_addr", cfg.ClientAddr))
	case <-time.After(cfg.StartTimeout):
		e.Server.Stop()
		e.Close()
		return nil, fmt.Errorf("etcd server took too long to start")
	}

	return e, nil
}
