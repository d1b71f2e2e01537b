package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/audit"
	cachepkg "github.com/fanside/aigate/pkg/cache/sqlite"
	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/experiment"
	"github.com/fanside/aigate/pkg/mcp"
	"github.com/fanside/aigate/pkg/queue"
	"github.com/fanside/aigate/pkg/ratelimit"
	"github.com/fanside/aigate/pkg/tracker"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve aigate introspection tools over MCP (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			var cacheStats mcp.CacheStatter
			if cfg.Cache.Enabled {
				cache, err := cachepkg.New(cfg.DBPath, cfg.Cache.TTLByOperation())
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = cache.Close() }()
				cacheStats = cache
			}

			var queueStats mcp.QueueStatter
			if store, err := queue.NewFileStore(cfg.QueuePath); err == nil {
				q, err := queue.New(queue.Config{
					MaxSize:          cfg.Queue.MaxSize,
					MaxRetries:       cfg.Queue.MaxRetries,
					Backoff:          cfg.Queue.Backoff,
					BreakerThreshold: cfg.Queue.BreakerThreshold,
					BreakerCooldown:  cfg.Queue.BreakerCooldown,
				}, store)
				if err != nil {
					return fmt.Errorf("init queue: %w", err)
				}
				queueStats = q
			}

			var exps mcp.ExperimentReader
			if cfg.Experiments.Enabled {
				mgr, err := experiment.New(cfg.DBPath, experiment.Config{
					MinSample: cfg.Experiments.MinSample,
					Weights: experiment.Weights{
						Success: cfg.Experiments.Weights.Success,
						Cost:    cfg.Experiments.Weights.Cost,
						Latency: cfg.Experiments.Weights.Latency,
					},
					TieMargin: cfg.Experiments.TieMargin,
				})
				if err != nil {
					return fmt.Errorf("init experiments: %w", err)
				}
				defer func() { _ = mgr.Close() }()
				exps = mgr
			}

			var limiter mcp.RateStatter
			if cfg.RateLimit.Enabled {
				store, err := ratelimit.NewSQLiteStore(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("init rate limit store: %w", err)
				}
				defer func() { _ = store.Close() }()
				limiter = ratelimit.New(store, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
			}

			var auditor mcp.Auditor
			if cfg.Audit.Enabled {
				al, err := audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = al.Close() }()
				auditor = al
			}

			srv := mcp.New(tr, cacheStats, queueStats, exps, limiter, auditor, version)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	return cmd
}
