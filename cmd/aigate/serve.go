package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/audit"
	cachepkg "github.com/fanside/aigate/pkg/cache/sqlite"
	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/experiment"
	"github.com/fanside/aigate/pkg/inference"
	"github.com/fanside/aigate/pkg/metrics"
	"github.com/fanside/aigate/pkg/orchestrator"
	"github.com/fanside/aigate/pkg/queue"
	"github.com/fanside/aigate/pkg/ratelimit"
	"github.com/fanside/aigate/pkg/server"
	"github.com/fanside/aigate/pkg/tracker"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the aigate HTTP server",
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

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)

			var resultCache orchestrator.ResultCache
			if cfg.Cache.Enabled {
				cache, err := cachepkg.New(cfg.DBPath, cfg.Cache.TTLByOperation())
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = cache.Close() }()
				resultCache = cache
			}

			var rateChecker orchestrator.RateChecker
			if cfg.RateLimit.Enabled {
				store, err := ratelimit.NewSQLiteStore(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("init rate limit store: %w", err)
				}
				defer func() { _ = store.Close() }()
				rateChecker = ratelimit.New(store, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
			}

			var exps orchestrator.Experiments
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

			var auditor orchestrator.Auditor
			if cfg.Audit.Enabled {
				al, err := audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = al.Close() }()
				auditor = al
			}

			store, err := queue.NewFileStore(cfg.QueuePath)
			if err != nil {
				return fmt.Errorf("init queue store: %w", err)
			}
			q, err := queue.New(queue.Config{
				MaxSize:          cfg.Queue.MaxSize,
				MaxRetries:       cfg.Queue.MaxRetries,
				Backoff:          cfg.Queue.Backoff,
				BreakerThreshold: cfg.Queue.BreakerThreshold,
				BreakerCooldown:  cfg.Queue.BreakerCooldown,
				OnRetry:          m.QueueRetries.Inc,
				OnDrop:           m.QueueDrops.Inc,
			}, store)
			if err != nil {
				return fmt.Errorf("init queue: %w", err)
			}

			client := inference.New(cfg.Inference.URL, cfg.Inference.APIKey, cfg.Inference.Timeout)
			orch := orchestrator.New(orchestrator.Config{
				DefaultModel:   cfg.Inference.DefaultModel,
				MaxRetries:     cfg.Inference.MaxRetries,
				RetryBaseDelay: cfg.Inference.RetryBaseDelay,
				Pricing:        cfg.Pricing,
			}, client, resultCache, rateChecker, exps, tr, auditor, m)

			srv := server.New(cfg, orch, q, m, reg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Printf("starting aigate with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	return cmd
}
