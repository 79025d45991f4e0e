package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tokenspeed/hub/pkg/config"
	"github.com/tokenspeed/hub/pkg/creds"
	"github.com/tokenspeed/hub/pkg/queue"
	"github.com/tokenspeed/hub/pkg/uploader"
)

var (
	agentConfigPath     string
	agentHubURLOverride string
)

func init() {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the upload agent for the local bucket queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(agentConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("hub-url") {
				cfg.Agent.HubURL = agentHubURLOverride
			}
			cfg.Normalize()
			if err := cfg.ValidateAgent(); err != nil {
				return err
			}

			store, err := queue.Open(cfg.Agent.QueueDBPath)
			if err != nil {
				return fmt.Errorf("open upload queue: %w", err)
			}
			defer store.Close()

			var mode uploader.RegistrationMode = uploader.OpenRegistration{}
			if cfg.Agent.InviteToken != "" {
				mode = uploader.InviteRegistration{Token: cfg.Agent.InviteToken}
			}
			dispatcher, err := uploader.New(uploader.Options{
				Queue:       store,
				Credentials: creds.NewStore(cfg.Agent.CredentialsPath),
				HubURL:      cfg.Agent.HubURL,
				Mode:        mode,
				DeviceID:    cfg.Agent.DeviceID,
				AnonUserID:  cfg.Agent.AnonUserID,
				Label:       cfg.Agent.DeviceLabel,
				Interval:    time.Duration(cfg.Agent.FlushIntervalSeconds) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("create dispatcher: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcher.Run(ctx)
			return nil
		},
	}
	agentCmd.Flags().StringVar(&agentConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	agentCmd.Flags().StringVar(&agentHubURLOverride, "hub-url", "", "Override hub URL from config")
	rootCmd.AddCommand(agentCmd)
}
