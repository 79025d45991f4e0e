package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenspeed/hub/pkg/config"
	"github.com/tokenspeed/hub/pkg/metrics"
	"github.com/tokenspeed/hub/pkg/queue"
)

var (
	enqueueConfigPath string
	enqueueProject    string
	enqueueStdin      bool
	enqueueRecord     metrics.RequestMetrics
)

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record one LLM request into the local bucket queue",
		Long:  "Records a finalized request into the local queue, either from flags or as JSON records on stdin (one object per line).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(enqueueConfigPath)
			if err != nil {
				return err
			}
			store, err := queue.Open(cfg.Agent.QueueDBPath)
			if err != nil {
				return fmt.Errorf("open upload queue: %w", err)
			}
			defer store.Close()

			if enqueueStdin {
				count, err := enqueueFromReader(store, cmd.InOrStdin(), enqueueProject, cfg.Agent.BucketSeconds)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d record(s)\n", count)
				return nil
			}

			m := enqueueRecord
			if m.ModelID == "" {
				return errors.New("enqueue requires --model (or --stdin)")
			}
			now := time.Now().UnixMilli()
			if m.StartedAt == 0 {
				m.StartedAt = now
			}
			if m.CompletedAt == 0 {
				m.CompletedAt = now
			}
			if m.TotalTokens == 0 {
				m.TotalTokens = m.InputTokens + m.OutputTokens + m.ReasoningTokens
			}
			m = metrics.WithComputedSpeed(m)
			if err := store.Enqueue(m, enqueueProject, cfg.Agent.BucketSeconds); err != nil {
				return fmt.Errorf("enqueue record: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "queued 1 record(s)")
			return nil
		},
	}
	enqueueCmd.Flags().StringVar(&enqueueConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	enqueueCmd.Flags().StringVar(&enqueueProject, "project", "", "Anonymized project identifier")
	enqueueCmd.Flags().BoolVar(&enqueueStdin, "stdin", false, "Read JSON request records from stdin instead of flags")
	enqueueCmd.Flags().StringVar(&enqueueRecord.ModelID, "model", "", "Model identifier")
	enqueueCmd.Flags().StringVar(&enqueueRecord.ProviderID, "provider", "", "Provider identifier")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.InputTokens, "input-tokens", 0, "Input tokens")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.OutputTokens, "output-tokens", 0, "Output tokens")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.ReasoningTokens, "reasoning-tokens", 0, "Reasoning tokens")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.CacheReadTokens, "cache-read-tokens", 0, "Cache read tokens")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.CacheWriteTokens, "cache-write-tokens", 0, "Cache write tokens")
	enqueueCmd.Flags().Float64Var(&enqueueRecord.Cost, "cost", 0, "Request cost in USD")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.StartedAt, "started-at", 0, "Request start (unix milliseconds, defaults to now)")
	enqueueCmd.Flags().Int64Var(&enqueueRecord.CompletedAt, "completed-at", 0, "Request completion (unix milliseconds, defaults to now)")
	rootCmd.AddCommand(enqueueCmd)
}

func enqueueFromReader(store *queue.Store, r io.Reader, project string, bucketSeconds int64) (int, error) {
	dec := json.NewDecoder(r)
	count := 0
	for {
		var m metrics.RequestMetrics
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("parse record %d: %w", count+1, err)
		}
		if m.ModelID == "" {
			return count, fmt.Errorf("record %d is missing model_id", count+1)
		}
		if err := store.Enqueue(metrics.WithComputedSpeed(m), project, bucketSeconds); err != nil {
			return count, fmt.Errorf("enqueue record %d: %w", count+1, err)
		}
		count++
	}
}
