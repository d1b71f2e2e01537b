package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		identity   string
		recent     bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show AI operation usage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := context.Background()

			// Recent per-call view for one identity
			if recent {
				if identity == "" {
					return fmt.Errorf("--identity is required with --recent")
				}
				recs, err := tr.QueryByIdentity(ctx, identity, time.Now().UTC().AddDate(0, 0, -1))
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No recent calls found.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tOPERATION\tMODEL\tSOURCE\tTOKENS\tLATENCY\tOK")
				for _, r := range recs {
					ok := "yes"
					if !r.Success {
						ok = "no"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Operation, r.Model,
						r.Source, r.TotalTokens, r.LatencyMs, ok)
				}
				return w.Flush()
			}

			// Default: usage summary
			summaries, err := tr.Summary(ctx, identity)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tMODEL\tREQUESTS\tTOKENS\tCOST USD\tAVG LATENCY\tSUCCESS\tFALLBACK")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\t%.0fms\t%.1f%%\t%d\n",
					s.Operation, s.Model, s.RequestCount, s.TotalTokens, s.TotalCost,
					s.AvgLatencyMs, s.SuccessRate*100, s.FallbackCount)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.Flags().StringVar(&identity, "identity", "", "filter by caller identity")
	cmd.Flags().BoolVar(&recent, "recent", false, "show per-call detail for the last 24 hours")
	return cmd
}
