// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/absmach/fluxbus/client"
	"github.com/absmach/fluxbus/cluster"
	"github.com/absmach/fluxbus/config"
	mtls "github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/router"
	"github.com/absmach/fluxbus/types"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type cli struct {
	configFile string
	service    string
	addr       string
	partitions int
	timeout    time.Duration
	verbose    bool

	client *client.Client
	close  func() error
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "fluxctl",
		Short:        "Broker service client",
		Long:         "fluxctl publishes messages and manages subscriptions and dead letters of a partitioned broker service.",
		SilenceUsage: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.close != nil {
				return c.close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Path to configuration file used for discovery")
	flags.StringVarP(&c.service, "service", "s", "", "Broker service name (default from configuration)")
	flags.StringVar(&c.addr, "addr", "", "Address serving every partition; bypasses discovery")
	flags.IntVar(&c.partitions, "partitions", 1, "Partition count of the service when --addr is set")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "Timeout of a single broker call")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Log retries and routing decisions")

	root.AddCommand(
		c.newPublishCommand(),
		c.newRegisterCommand(),
		c.newUnregisterCommand(),
		c.newStatsCommand(),
		c.newDeadLettersCommand(),
		c.newResolveCommand(),
	)
	return root
}

// connect builds the client on first use.
func (c *cli) connect(cmd *cobra.Command) (*client.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.configFile)
	if err != nil {
		return nil, err
	}
	if c.service == "" {
		c.service = cfg.Broker.ServiceName
	}

	httpClient := http.DefaultClient
	if cfg.Server.TLS.ServerCAFile != "" {
		tlsCfg, err := mtls.LoadClientConfig(cfg.Server.TLS)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig:   tlsCfg,
			ForceAttemptHTTP2: true,
		}}
	}

	dir, err := c.directory(cfg, logger)
	if err != nil {
		return nil, err
	}

	r := router.New(dir, cfg.RouterSettings(c.service), logger)
	opts := client.NewOptions().
		SetHTTPClient(httpClient).
		SetCallTimeout(c.timeout).
		SetMaxRetries(uint(cfg.Client.MaxRetries)).
		SetBackoff(cfg.Client.InitialBackoff, cfg.Client.MaxBackoff).
		SetLogger(logger)

	cl, err := client.New(r, opts)
	if err != nil {
		return nil, err
	}
	c.client = cl
	return cl, nil
}

func (c *cli) directory(cfg *config.Config, logger *slog.Logger) (cluster.Directory, error) {
	if c.addr != "" {
		instances := make([]cluster.Instance, 0, c.partitions)
		for p := 0; p < c.partitions; p++ {
			instances = append(instances, cluster.Instance{
				Service:        c.service,
				Partition:      p,
				PartitionCount: c.partitions,
				Address:        c.addr,
			})
		}
		return cluster.NewStaticDirectory(instances...)
	}

	switch cfg.Discovery.Type {
	case config.DiscoveryStatic:
		return cluster.NewStaticDirectory(cfg.StaticInstances()...)
	case config.DiscoveryEtcd:
		etcdCfg := cfg.EtcdSettings()
		if cfg.Discovery.Etcd.Embedded.Enabled {
			etcdCfg.Endpoints = []string{cfg.Discovery.Etcd.Embedded.ClientAddr}
		}
		dir, err := cluster.NewEtcdDirectory(etcdCfg, logger)
		if err != nil {
			return nil, err
		}
		c.close = dir.Close
		return dir, nil
	default:
		return nil, fmt.Errorf("unknown discovery type %q", cfg.Discovery.Type)
	}
}

func (c *cli) newPublishCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish <message-type> [payload]",
		Short: "Publish a message",
		Long:  "Publish a JSON payload under the given message type. The payload is read from --file, or stdin when neither is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd, args[1:], file)
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			cl, err := c.connect(cmd)
			if err != nil {
				return err
			}
			rcpt, err := cl.PublishMessage(cmd.Context(), types.MessageWrapper{
				MessageType: args[0],
				Payload:     payload,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rcpt)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the payload from a file")
	return cmd
}

type subscriptionResult struct {
	MessageType string `json:"message_type"`
	Reference   string `json:"reference"`
	Changed     bool   `json:"changed"`
}

func (c *cli) newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "register <message-type> <reference>",
		Short:   "Subscribe a reference to a message type",
		Example: "  fluxctl register OrderPlaced actor:billing/42\n  fluxctl register OrderPlaced service:inventory#2",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.subscription(cmd, args, (*client.Client).Subscribe)
		},
	}
}

func (c *cli) newUnregisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <message-type> <reference>",
		Short: "Unsubscribe a reference from a message type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.subscription(cmd, args, (*client.Client).Unsubscribe)
		},
	}
}

type subscribeFunc func(*client.Client, context.Context, string, types.Reference) (bool, error)

func (c *cli) subscription(cmd *cobra.Command, args []string, fn subscribeFunc) error {
	ref, err := types.ParseReference(args[1])
	if err != nil {
		return err
	}
	cl, err := c.connect(cmd)
	if err != nil {
		return err
	}
	changed, err := fn(cl, cmd.Context(), args[0], ref)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), subscriptionResult{
		MessageType: args[0],
		Reference:   ref.Key(),
		Changed:     changed,
	})
}

func (c *cli) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <partition>",
		Short: "Show the statistics of a partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid partition %q: %w", args[0], err)
			}
			cl, err := c.connect(cmd)
			if err != nil {
				return err
			}
			stats, err := cl.Stats(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

type countResult struct {
	MessageType string `json:"message_type"`
	Count       int    `json:"count"`
}

func (c *cli) newDeadLettersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Dead letter operations",
	}

	list := &cobra.Command{
		Use:   "list <message-type>",
		Short: "List dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.connect(cmd)
			if err != nil {
				return err
			}
			letters, err := cl.DeadLetters(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if letters == nil {
				letters = []types.QueuedMessage{}
			}
			return printJSON(cmd.OutOrStdout(), letters)
		},
	}

	count := func(use, short string, fn func(*client.Client, context.Context, string) (int, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <message-type>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cl, err := c.connect(cmd)
				if err != nil {
					return err
				}
				n, err := fn(cl, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), countResult{MessageType: args[0], Count: n})
			},
		}
	}

	cmd.AddCommand(
		list,
		count("retry", "Re-queue dead letters for delivery", (*client.Client).RetryDeadLetters),
		count("purge", "Drop dead letters", (*client.Client).PurgeDeadLetters),
	)
	return cmd
}

func (c *cli) newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <message-type>",
		Short: "Show the partition owning a message type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.connect(cmd)
			if err != nil {
				return err
			}
			ep, err := cl.Router().Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ep)
		},
	}
}

func readPayload(cmd *cobra.Command, args []string, file string) ([]byte, error) {
	switch {
	case len(args) > 0:
		return []byte(args[0]), nil
	case file != "":
		return os.ReadFile(file)
	default:
		return io.ReadAll(cmd.InOrStdin())
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
