package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenspeed/hub/pkg/config"
	"github.com/tokenspeed/hub/pkg/queue"
)

var (
	queueConfigPath    string
	queueEntriesLimit  int
	queueEntriesStatus string
)

func openQueueStore() (*queue.Store, error) {
	cfg, err := config.LoadOrCreate(queueConfigPath)
	if err != nil {
		return nil, err
	}
	store, err := queue.Open(cfg.Agent.QueueDBPath)
	if err != nil {
		return nil, fmt.Errorf("open upload queue: %w", err)
	}
	return store, nil
}

func init() {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the local upload queue",
	}
	queueCmd.PersistentFlags().StringVar(&queueConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts by dispatch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openQueueStore()
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.QueueStatus()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pending: %d\n", st.Pending)
			fmt.Fprintf(out, "sent:    %d\n", st.Sent)
			fmt.Fprintf(out, "dead:    %d\n", st.Dead)
			fmt.Fprintf(out, "total:   %d\n", st.Total)
			if st.OldestPendingBucketStart != nil {
				ts := time.Unix(*st.OldestPendingBucketStart, 0).UTC()
				fmt.Fprintf(out, "oldest pending bucket: %s\n", ts.Format(time.RFC3339))
			}
			return nil
		},
	}

	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List queued buckets, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openQueueStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Entries(queueEntriesLimit, queueEntriesStatus)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tPROJECT\tPROVIDER\tMODEL\tREQS\tCOST\tSTATUS\tATTEMPTS\tLAST ERROR")
			for _, e := range entries {
				bucket := time.Unix(e.BucketStart, 0).UTC().Format("2006-01-02 15:04")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4f\t%s\t%d\t%s\n",
					bucket, e.AnonProjectID, e.ProviderID, e.ModelID,
					e.RequestCount, e.TotalCost, e.Status, e.AttemptCount, e.LastError)
			}
			return w.Flush()
		},
	}
	entriesCmd.Flags().IntVar(&queueEntriesLimit, "limit", 50, "Maximum entries to list")
	entriesCmd.Flags().StringVar(&queueEntriesStatus, "status", "", "Filter by status (pending, sent, dead)")

	queueCmd.AddCommand(statusCmd, entriesCmd)
	rootCmd.AddCommand(queueCmd)
}
