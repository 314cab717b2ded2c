// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxbus/broker/webhook"
	mtls "github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/ratelimit"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StorageBolt   = "bolt"
)

// Transport types.
const (
	TransportRPC  = "rpc"
	TransportNATS = "nats"
)

// Discovery types.
const (
	DiscoveryStatic = "static"
	DiscoveryEtcd   = "etcd"
)

// Config holds all configuration for a broker process.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Relay     RelayConfig     `yaml:"relay"`
	Client    ClientConfig    `yaml:"client"`
	Webhook   webhook.Config  `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig holds the settings shared by every hosted partition.
type BrokerConfig struct {
	ServiceName    string `yaml:"service_name"`
	PartitionCount int    `yaml:"partition_count"`
	// Partitions hosted by this process. Empty hosts all of them.
	Partitions []int `yaml:"partitions"`

	Period              time.Duration `yaml:"period"`
	DueTime             time.Duration `yaml:"due_time"`
	Ordered             bool          `yaml:"ordered"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"` // 0 retries forever
	DeliveryTimeout     time.Duration `yaml:"delivery_timeout"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	BatchSize           int           `yaml:"batch_size"`
	MaxMessageSize      int           `yaml:"max_message_size"`
	StatsHistory        int           `yaml:"stats_history"`
	EnableAutoDiscovery bool          `yaml:"enable_auto_discovery"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	APIAddr         string           `yaml:"api_addr"`
	AdvertiseAddr   string           `yaml:"advertise_addr"` // published in the directory
	TLS             mtls.Config      `yaml:"tls"`            // API server and outbound calls
	HealthAddr      string           `yaml:"health_addr"`
	HealthEnabled   bool             `yaml:"health_enabled"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
	MetricsEnabled  bool             `yaml:"metrics_enabled"` // enables OTel
	MetricsAddr     string           `yaml:"metrics_addr"`    // OTLP endpoint

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type                 string        `yaml:"type"` // memory, badger, bolt
	Dir                  string        `yaml:"dir"`  // one sub-directory or file per partition
	SyncWrites           bool          `yaml:"sync_writes"`
	GCInterval           time.Duration `yaml:"gc_interval"` // badger value log GC
	CompressionThreshold int           `yaml:"compression_threshold"`
}

// TransportConfig holds broker to subscriber transport configuration.
type TransportConfig struct {
	Type           string               `yaml:"type"` // rpc, nats
	Timeout        time.Duration        `yaml:"timeout"`
	NATSURL        string               `yaml:"nats_url"`
	NATSPrefix     string               `yaml:"nats_prefix"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-subscriber circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DiscoveryConfig selects the naming service.
type DiscoveryConfig struct {
	Type   string                   `yaml:"type"` // static, etcd
	Static map[string]StaticService `yaml:"static"`
	Etcd   EtcdConfig               `yaml:"etcd"`
}

// StaticService is a service entry of the static directory.
type StaticService struct {
	PartitionCount int            `yaml:"partition_count"`
	Endpoints      map[int]string `yaml:"endpoints"`
}

// EtcdConfig holds etcd directory configuration.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	Embedded EmbeddedEtcdConfig `yaml:"embedded"`
}

// EmbeddedEtcdConfig holds embedded etcd configuration.
type EmbeddedEtcdConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Name       string `yaml:"name"`
	DataDir    string `yaml:"data_dir"`
	PeerAddr   string `yaml:"peer_addr"`   // e.g. "127.0.0.1:2380"
	ClientAddr string `yaml:"client_addr"` // e.g. "127.0.0.1:2379"
}

// RelayConfig makes the hosted partitions relay message types published
// to an upstream broker service.
type RelayConfig struct {
	Enabled         bool     `yaml:"enabled"`
	UpstreamService string   `yaml:"upstream_service"`
	MessageTypes    []string `yaml:"message_types"`
}

// ClientConfig holds settings of clients resolving broker partitions.
type ClientConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			ServiceName:         "fluxbus",
			PartitionCount:      1,
			Period:              time.Second,
			DueTime:             time.Second,
			DeliveryTimeout:     10 * time.Second,
			MaxConcurrency:      8,
			BatchSize:           64,
			MaxMessageSize:      1024 * 1024, // 1MB
			StatsHistory:        60,
			EnableAutoDiscovery: true,
		},
		Server: ServerConfig{
			APIAddr:         ":7070",
			AdvertiseAddr:   "http://localhost:7070",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       ratelimit.DefaultConfig(),
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,

			OtelServiceName:     "fluxbus",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Storage: StorageConfig{
			Type:                 StorageBadger,
			Dir:                  "/tmp/fluxbus/data",
			GCInterval:           5 * time.Minute,
			CompressionThreshold: 4096,
		},
		Transport: TransportConfig{
			Type:       TransportRPC,
			Timeout:    10 * time.Second,
			NATSURL:    "nats://127.0.0.1:4222",
			NATSPrefix: "fluxbus.deliver",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Discovery: DiscoveryConfig{
			Type: DiscoveryStatic,
			Etcd: EtcdConfig{
				Endpoints:   []string{"127.0.0.1:2379"},
				Prefix:      "/fluxbus/services",
				LeaseTTL:    10 * time.Second,
				DialTimeout: 5 * time.Second,
				Embedded: EmbeddedEtcdConfig{
					Name:       "fluxbus-1",
					DataDir:    "/tmp/fluxbus/etcd",
					PeerAddr:   "127.0.0.1:2380",
					ClientAddr: "127.0.0.1:2379",
				},
			},
		},
		Client: ClientConfig{
			Timeout:        10 * time.Second,
			MaxRetries:     5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Webhook: webhook.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.ServiceName == "" {
		return fmt.Errorf("broker.service_name cannot be empty")
	}
	if c.Broker.PartitionCount < 1 {
		return fmt.Errorf("broker.partition_count must be at least 1")
	}
	for _, p := range c.Broker.Partitions {
		if p < 0 || p >= c.Broker.PartitionCount {
			return fmt.Errorf("broker.partitions: %d out of range [0,%d)", p, c.Broker.PartitionCount)
		}
	}
	if c.Broker.Period <= 0 {
		return fmt.Errorf("broker.period must be positive")
	}
	if c.Broker.DueTime < 0 {
		return fmt.Errorf("broker.due_time cannot be negative")
	}
	if c.Broker.MaxDeliveryAttempts < 0 {
		return fmt.Errorf("broker.max_delivery_attempts cannot be negative")
	}
	if c.Broker.MaxConcurrency < 1 {
		return fmt.Errorf("broker.max_concurrency must be at least 1")
	}
	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.StatsHistory < 0 {
		return fmt.Errorf("broker.stats_history cannot be negative")
	}

	if c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr cannot be empty")
	}
	if c.Broker.EnableAutoDiscovery && c.Server.AdvertiseAddr == "" {
		return fmt.Errorf("server.advertise_addr required when auto discovery is enabled")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Rate <= 0 && c.Server.RateLimit.SubscribeRate <= 0 {
		return fmt.Errorf("server.rate_limit requires a positive rate when enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBadger, StorageBolt:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir required when type is %s", c.Storage.Type)
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger, bolt")
	}

	switch c.Transport.Type {
	case TransportRPC:
	case TransportNATS:
		if c.Transport.NATSURL == "" {
			return fmt.Errorf("transport.nats_url required when type is nats")
		}
	default:
		return fmt.Errorf("transport.type must be one of: rpc, nats")
	}
	if c.Transport.CircuitBreaker.Enabled && c.Transport.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("transport.circuit_breaker.failure_threshold must be at least 1")
	}

	switch c.Discovery.Type {
	case DiscoveryStatic:
		for name, svc := range c.Discovery.Static {
			for p := range svc.Endpoints {
				if p < 0 || p >= svc.PartitionCount {
					return fmt.Errorf("discovery.static.%s: partition %d out of range", name, p)
				}
			}
		}
	case DiscoveryEtcd:
		if len(c.Discovery.Etcd.Endpoints) == 0 && !c.Discovery.Etcd.Embedded.Enabled {
			return fmt.Errorf("discovery.etcd.endpoints required unless embedded etcd is enabled")
		}
		if c.Discovery.Etcd.Embedded.Enabled && c.Discovery.Etcd.Embedded.DataDir == "" {
			return fmt.Errorf("discovery.etcd.embedded.data_dir required when embedded etcd is enabled")
		}
	default:
		return fmt.Errorf("discovery.type must be one of: static, etcd")
	}

	if c.Relay.Enabled {
		if c.Relay.UpstreamService == "" {
			return fmt.Errorf("relay.upstream_service required when relay is enabled")
		}
		if c.Relay.UpstreamService == c.Broker.ServiceName {
			return fmt.Errorf("relay.upstream_service must differ from broker.service_name")
		}
		if len(c.Relay.MessageTypes) == 0 {
			return fmt.Errorf("relay.message_types required when relay is enabled")
		}
	}

	if c.Client.MaxRetries < 1 {
		return fmt.Errorf("client.max_retries must be at least 1")
	}

	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
