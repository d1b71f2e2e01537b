package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	cachepkg "github.com/fanside/aigate/pkg/cache/sqlite"
	"github.com/fanside/aigate/pkg/config"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	openCache := func() (*cachepkg.Cache, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return cachepkg.New(cfg.DBPath, cfg.Cache.TTLByOperation())
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Entries: %d\nExpired: %d\nHits:    %d\nMisses:  %d\n",
				stats.Entries, stats.Expired, stats.Hits, stats.Misses)
			return nil
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Physically remove expired cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			removed, err := c.Sweep(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired entries.\n", removed)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCache()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if err := c.Clear(context.Background()); err != nil {
				return err
			}
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.AddCommand(statsCmd, sweepCmd, clearCmd)
	return cmd
}
