package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/experiment"
	"github.com/fanside/aigate/pkg/models"
)

func newExperimentCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Manage A/B experiments",
	}

	openManager := func() (*experiment.Manager, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return experiment.New(cfg.DBPath, experiment.Config{
			MinSample: cfg.Experiments.MinSample,
			Weights: experiment.Weights{
				Success: cfg.Experiments.Weights.Success,
				Cost:    cfg.Experiments.Weights.Cost,
				Latency: cfg.Experiments.Weights.Latency,
			},
			TieMargin: cfg.Experiments.TieMargin,
		})
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			exps, err := mgr.List(context.Background())
			if err != nil {
				return err
			}
			if len(exps) == 0 {
				fmt.Println("No experiments found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tVARIANT A\tVARIANT B\tSPLIT\tSTATUS")
			for _, e := range exps {
				status := "inactive"
				if e.Active {
					status = "active"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
					e.ID, e.Operation, e.VariantA.Model, e.VariantB.Model,
					e.SplitRatio*100, status)
			}
			return w.Flush()
		},
	}

	var (
		operation string
		modelA    string
		modelB    string
		split     float64
	)
	createCmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an experiment (inactive until activated)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := models.ParseOperationType(operation)
			if err != nil {
				return err
			}
			if split <= 0 || split >= 1 {
				return fmt.Errorf("--split must be between 0 and 1 exclusive")
			}

			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Create(context.Background(), models.Experiment{
				ID:         args[0],
				Operation:  op,
				VariantA:   models.VariantConfig{Model: modelA},
				VariantB:   models.VariantConfig{Model: modelB},
				SplitRatio: split,
			}); err != nil {
				return err
			}
			fmt.Printf("Created experiment %s.\n", args[0])
			return nil
		},
	}
	createCmd.Flags().StringVar(&operation, "operation", "", "operation under test (required)")
	createCmd.Flags().StringVar(&modelA, "model-a", "", "variant A model (required)")
	createCmd.Flags().StringVar(&modelB, "model-b", "", "variant B model (required)")
	createCmd.Flags().Float64Var(&split, "split", 0.5, "fraction of identities assigned to variant A")
	createCmd.MarkFlagRequired("operation")
	createCmd.MarkFlagRequired("model-a")
	createCmd.MarkFlagRequired("model-b")

	activateCmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Start accumulating results for an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Activate(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Experiment %s is active.\n", args[0])
			return nil
		},
	}

	deactivateCmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Stop an experiment, preserving its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Deactivate(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Experiment %s is inactive.\n", args[0])
			return nil
		},
	}

	compareCmd := &cobra.Command{
		Use:   "compare <id>",
		Short: "Compare variants and show the recommended winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager()
			if err != nil {
				return err
			}
			defer mgr.Close()

			cmp, err := mgr.Compare(context.Background(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "VARIANT\tSAMPLES\tAVG LATENCY\tAVG COST\tSUCCESS")
			for _, row := range []struct {
				name string
				res  models.VariantResults
			}{{"A", cmp.ResultsA}, {"B", cmp.ResultsB}} {
				fmt.Fprintf(w, "%s\t%d\t%.0fms\t%.6f\t%.1f%%\n",
					row.name, row.res.Count, row.res.AvgLatencyMs,
					row.res.AvgCost, row.res.SuccessRate*100)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Println()
			switch cmp.Verdict {
			case models.VerdictInsufficient:
				fmt.Println("Verdict: insufficient data")
			case models.VerdictTie:
				fmt.Printf("Verdict: tie (A %.3f vs B %.3f, confidence %.2f)\n",
					cmp.ScoreA, cmp.ScoreB, cmp.Confidence)
			default:
				fmt.Printf("Verdict: variant %s wins (A %.3f vs B %.3f, confidence %.2f)\n",
					cmp.Verdict, cmp.ScoreA, cmp.ScoreB, cmp.Confidence)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.AddCommand(listCmd, createCmd, activateCmd, deactivateCmd, compareCmd)
	return cmd
}
