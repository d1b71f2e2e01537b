package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fanside/aigate/pkg/config"
	"github.com/fanside/aigate/pkg/queue"
)

func newQueueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drive the retry queue",
	}

	openQueue := func() (*config.Config, *queue.Queue, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		store, err := queue.NewFileStore(cfg.QueuePath)
		if err != nil {
			return nil, nil, err
		}
		q, err := queue.New(queue.Config{
			MaxSize:          cfg.Queue.MaxSize,
			MaxRetries:       cfg.Queue.MaxRetries,
			Backoff:          cfg.Queue.Backoff,
			BreakerThreshold: cfg.Queue.BreakerThreshold,
			BreakerCooldown:  cfg.Queue.BreakerCooldown,
		}, store)
		if err != nil {
			return nil, nil, err
		}
		return cfg, q, nil
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued items and circuit breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := openQueue()
			if err != nil {
				return err
			}

			breaker := q.Breaker()
			if breaker.Active {
				fmt.Printf("Circuit breaker: OPEN until %s (%d consecutive failures)\n",
					breaker.ResetAt.Format(time.RFC3339), breaker.Failures)
			} else {
				fmt.Printf("Circuit breaker: closed (%d consecutive failures)\n", breaker.Failures)
			}

			items := q.Items()
			if len(items) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tRETRIES\tNEXT ATTEMPT\tLAST ERROR")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					item.ID, item.Kind, item.RetryCount,
					item.NextRetryAt.Format("2006-01-02T15:04:05"), item.LastError)
			}
			return w.Flush()
		},
	}

	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Run one dispatch pass over due items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, q, err := openQueue()
			if err != nil {
				return err
			}
			if cfg.Webhook.URL == "" {
				return fmt.Errorf("webhook.url is not configured")
			}

			client := &http.Client{Timeout: 10 * time.Second}
			q.RegisterProcessor("webhook_delivery", func(item queue.Item) bool {
				resp, err := client.Post(cfg.Webhook.URL, "application/json", bytes.NewReader(item.Payload))
				if err != nil {
					fmt.Printf("delivery %s failed: %v\n", item.ID, err)
					return false
				}
				defer resp.Body.Close()
				io.Copy(io.Discard, resp.Body)
				if resp.StatusCode < 200 || resp.StatusCode >= 300 {
					fmt.Printf("delivery %s returned %d\n", item.ID, resp.StatusCode)
					return false
				}
				fmt.Printf("delivered %s\n", item.ID)
				return true
			})

			before := q.Len()
			q.ProcessDue()
			fmt.Printf("Processed; %d items remain (was %d).\n", q.Len(), before)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, q, err := openQueue()
			if err != nil {
				return err
			}
			n := q.Len()
			q.Clear()
			fmt.Printf("Removed %d items.\n", n)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "aigate.yaml", "path to config file")
	cmd.AddCommand(statusCmd, processCmd, clearCmd)
	return cmd
}
