package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/audit"
	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/models"
)

func newAuditCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the AI call audit log",
	}

	openLogger := func() (*audit.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return audit.New(cfg.Audit)
	}

	printEntries := func(entries []models.AuditEntry) error {
		if len(entries) == 0 {
			fmt.Println("No audit entries found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST\tTIME\tOPERATION\tSOURCE\tIDENTITY\tTOKENS\tLATENCY\tOK")
		for _, e := range entries {
			ok := "yes"
			if !e.Success {
				ok = "no"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%dms\t%s\n",
				e.RequestID, e.CreatedAt.Format("2006-01-02T15:04:05"),
				e.Operation, e.Source, e.IdentityPrefix, e.TotalTokens, e.LatencyMs, ok)
		}
		return w.Flush()
	}

	var tailLimit int
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLogger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			entries, err := l.Query(context.Background(), models.AuditQueryOpts{Limit: tailLimit})
			if err != nil {
				return err
			}
			return printEntries(entries)
		},
	}
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "number of entries to show")

	var (
		operation string
		source    string
		since     string
		prefix    string
		requestID string
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search the audit log with filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLogger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			opts := models.AuditQueryOpts{
				Operation:      operation,
				Source:         source,
				IdentityPrefix: prefix,
				RequestID:      requestID,
				Limit:          50,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			return printEntries(entries)
		},
	}
	searchCmd.Flags().StringVar(&operation, "operation", "", "filter by operation")
	searchCmd.Flags().StringVar(&source, "source", "", "filter by result source (model, cache, fallback)")
	searchCmd.Flags().StringVar(&since, "since", "", "start date YYYY-MM-DD")
	searchCmd.Flags().StringVar(&prefix, "prefix", "", "filter by identity prefix")
	searchCmd.Flags().StringVar(&requestID, "request-id", "", "look up one request")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry counts by operation and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := openLogger()
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No audit entries found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tOPERATION\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Day, s.Operation, s.Count)
			}
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.AddCommand(tailCmd, searchCmd, statsCmd)
	return cmd
}
