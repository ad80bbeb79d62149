package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/auth"
	"github.com/marmos91/presenced/pkg/bus/kafka"
	"github.com/marmos91/presenced/pkg/config"
	"github.com/marmos91/presenced/pkg/directory/redis"
	"github.com/marmos91/presenced/pkg/metrics"
	"github.com/marmos91/presenced/pkg/node"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a presence node",
	Long: `Run a presence node: the WebSocket-facing instance that terminates
client sessions for its assigned vnodes, publishes online/offline events
on the bus, and heartbeats its ownership lease into the directory.

A node requires an identity, an assigned vnode range, the Redis directory
and the Kafka bus. Register the identity with the coordinator first so
routing answers point at this instance.

Examples:
  # Run with config file
  presenced node --config /etc/presenced/config.yaml

  # Run with deployment environment variables
  NODE_ID=node-a ASSIGNED_VNODES=0,1,2 PRESENCED_JWT_SECRET=... presenced node`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obsShutdown, err := setupObservability(ctx, cfg, "presenced-node")
	if err != nil {
		return err
	}
	defer obsShutdown(context.Background())

	logger.Info("Configuration loaded", logger.KeySource, getConfigSource(GetConfigFile()))

	authSvc, err := auth.NewService(cfg.Auth.GetJWTSecret())
	if err != nil {
		return fmt.Errorf("token service: %w (set %s)", err, config.EnvJWTSecret)
	}

	dir, err := redis.New(ctx, redis.Config{
		URL:         cfg.Directory.URL,
		DialTimeout: cfg.Directory.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to directory: %w", err)
	}

	busCfg := kafka.Config{
		Brokers: cfg.Bus.Brokers,
		Topic:   cfg.Bus.Topic,
	}
	publisher := kafka.NewPublisher(busCfg)
	consumer := kafka.NewConsumer(busCfg, cfg.Node.NodeID)

	n, err := node.New(cfg.Node, dir, publisher, consumer, authSvc)
	if err != nil {
		dir.Close()
		return err
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.KeyError, err)
			}
		}()
	}

	nodeDone := make(chan error, 1)
	go func() {
		nodeDone <- n.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Presence node is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-nodeDone; err != nil {
			logger.Error("Node shutdown error", logger.KeyError, err)
			return err
		}
		logger.Info("Node stopped gracefully")

	case err := <-nodeDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Node error", logger.KeyError, err)
			return err
		}
		logger.Info("Node stopped")
	}

	return nil
}
