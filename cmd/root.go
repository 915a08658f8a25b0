package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/config"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "procurement-cli",
	Short: "Public procurement ingestion and anomaly flagging pipeline",
	Long:  "Pulls contract awards from public procurement portals, deduplicates and merges them into one store, and runs anomaly rules that flag suspicious contracts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openStore connects to Postgres using the loaded configuration.
func openStore(ctx context.Context) (*store.Store, error) {
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
