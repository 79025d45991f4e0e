package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokenspeed/hub/pkg/config"
	"github.com/tokenspeed/hub/pkg/hub"
)

var (
	hubConfigPath         string
	hubListenAddrOverride string
	hubDBPathOverride     string
)

func init() {
	hubCmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the central telemetry hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreate(hubConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.Hub.ListenAddr = hubListenAddrOverride
			}
			if cmd.Flags().Changed("db-path") {
				cfg.Hub.DBPath = hubDBPathOverride
			}
			if err := cfg.ValidateHub(); err != nil {
				return err
			}

			db, err := hub.OpenDB(cfg.Hub.DBPath)
			if err != nil {
				return fmt.Errorf("open hub database: %w", err)
			}
			defer db.Close()

			srv, err := hub.NewServer(db, hub.Options{
				ListenAddr:         cfg.Hub.ListenAddr,
				SigningKey:         cfg.Hub.SigningKey,
				InviteToken:        cfg.Hub.InviteToken,
				AdminToken:         cfg.Hub.AdminToken,
				AllowedDevices:     cfg.Hub.AllowedDevices,
				LoginWindowSeconds: cfg.Hub.LoginWindowSeconds,
				LoginMaxAttempts:   cfg.Hub.LoginMaxAttempts,
				TLS: hub.TLSOptions{
					Enabled:  cfg.Hub.TLS.Enabled,
					Domain:   cfg.Hub.TLS.Domain,
					Email:    cfg.Hub.TLS.Email,
					CacheDir: cfg.Hub.TLS.CacheDir,
				},
			})
			if err != nil {
				return fmt.Errorf("create hub server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	hubCmd.Flags().StringVar(&hubConfigPath, "config", config.DefaultConfigPath(), "Config TOML path")
	hubCmd.Flags().StringVar(&hubListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8787)")
	hubCmd.Flags().StringVar(&hubDBPathOverride, "db-path", "", "Override hub database path from config")
	rootCmd.AddCommand(hubCmd)
}
