package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/config"
	"github.com/marmos91/presenced/pkg/coordinator"
	"github.com/marmos91/presenced/pkg/coordinator/api"
	"github.com/marmos91/presenced/pkg/directory/redis"
	"github.com/marmos91/presenced/pkg/metrics"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the admission and routing coordinator",
	Long: `Run the coordinator: the stateless HTTP service that admits presence
nodes into the hash ring and answers "which instance owns this user"
routing queries.

The coordinator needs only the shared Redis directory. Deployments run a
single replica; concurrent coordinators race on vnode assignment.

Examples:
  # Run with default config location
  presenced coordinator

  # Run with custom config
  presenced coordinator --config /etc/presenced/config.yaml

  # Run against a non-local directory
  REDIS_URL=redis://redis.internal:6379/0 presenced coordinator`,
	RunE: runCoordinator,
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obsShutdown, err := setupObservability(ctx, cfg, "presenced-coordinator")
	if err != nil {
		return err
	}
	defer obsShutdown(context.Background())

	logger.Info("Configuration loaded", logger.KeySource, getConfigSource(GetConfigFile()))

	dir, err := redis.New(ctx, redis.Config{
		URL:         cfg.Directory.URL,
		DialTimeout: cfg.Directory.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to directory: %w", err)
	}
	defer dir.Close()

	coord, err := coordinator.New(cfg.Coordinator, dir)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Warm(ctx); err != nil {
		return err
	}
	logger.Info("Ring warmed from directory",
		logger.KeyCount, len(coord.Snapshot()),
		"vnode_count", coord.VNodeCount())

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", logger.KeyError, err)
			}
		}()
	}

	apiServer := api.NewServer(cfg.CoordinatorAPI, coord, dir)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Coordinator is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Coordinator shutdown error", logger.KeyError, err)
			return err
		}
		logger.Info("Coordinator stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Coordinator error", logger.KeyError, err)
			return err
		}
		logger.Info("Coordinator stopped")
	}

	return nil
}
