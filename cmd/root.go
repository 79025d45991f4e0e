package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tokenspeed/hub/pkg/logutil"
)

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:   "tokenspeed",
	Short: "LLM telemetry pipeline",
	Long:  "Aggregates per-request LLM usage into local time buckets and ships them to a central hub with signed uploads.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(rootLogLevel)
	}
}
