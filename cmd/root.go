package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/config"
	"github.com/sells-group/sa-harvest/internal/observability"
)

var (
	cfg            *config.Config
	tracerShutdown observability.ShutdownFunc
)

var rootCmd = &cobra.Command{
	Use:   "sa-harvest",
	Short: "Search Console search analytics harvester",
	Long:  "Queues every day of every job of a Search Console property and downloads it with a self-sizing worker pool that stays under the API quota.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		shutdown, err := observability.InitTracer(cfg.Tracing.Enabled, cfg.Tracing.Service, cfg.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		tracerShutdown = shutdown

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tracerShutdown != nil {
			if err := tracerShutdown(context.Background()); err != nil {
				zap.L().Warn("tracer shutdown", zap.Error(err))
			}
		}
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
