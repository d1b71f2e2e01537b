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

func newCostCmd() *cobra.Command {
	var (
		configPath string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Show estimated model costs by identity and model",
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

			from := beginningOfMonth()
			if since != "" {
				from, err = time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			reports, err := tr.CostReport(context.Background(), from)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("No cost data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tMODEL\tREQUESTS\tTOKENS\tCOST USD")
			var total float64
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.4f\n",
					r.Identity, r.Model, r.RequestCount, r.TotalTokens, r.CostUSD)
				total += r.CostUSD
			}
			fmt.Fprintf(w, "\tTOTAL\t\t\t%.4f\n", total)
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.Flags().StringVar(&since, "since", "", "start date YYYY-MM-DD (default: start of month)")
	return cmd
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
