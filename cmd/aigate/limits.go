package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/ratelimit"
)

func newLimitsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect and reset per-identity rate limits",
	}

	openLimiter := func() (*ratelimit.Limiter, *ratelimit.SQLiteStore, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		store, err := ratelimit.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.New(store, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window), store, nil
	}

	statusCmd := &cobra.Command{
		Use:   "status <identity>",
		Short: "Show an identity's rate-limit standing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limiter, store, err := openLimiter()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st := limiter.Status(context.Background(), args[0])
			standing := "allowed"
			if !st.Allowed {
				standing = "limited"
			}
			fmt.Printf("Identity:  %s\nStanding:  %s\nLimit:     %d\nRemaining: %d\nResets:    %s\n",
				args[0], standing, st.Limit, st.Remaining, st.ResetAt.Format(time.RFC3339))
			if !st.Allowed {
				fmt.Printf("Retry in:  %s\n", st.RetryAfter.Round(time.Second))
			}
			return nil
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Clear an identity's recorded requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limiter, store, err := openLimiter()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := limiter.Reset(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Rate limit reset for %s.\n", args[0])
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.AddCommand(statusCmd, resetCmd)
	return cmd
}
