package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sa-harvest/internal/harvest"
	"github.com/sells-group/sa-harvest/internal/model"
	"github.com/sells-group/sa-harvest/internal/server"
	"github.com/sells-group/sa-harvest/internal/store"
)

// downloadFlags are shared by download and download-all.
type downloadFlags struct {
	generate    bool
	reset       bool
	maxWorkers  int
	rps         float64
	maxAttempts int
	metricsAddr string
}

var (
	downloadOpts    downloadFlags
	downloadAllOpts downloadFlags
)

var downloadCmd = &cobra.Command{
	Use:   "download <account> <site>",
	Short: "Download every active job of a property",
	Long:  "Runs the harvester over each active job of the property in turn. Unfinished dates of earlier runs are resumed.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd.Context(), downloadOpts, func(ctx context.Context, env *appEnv) ([]model.Property, error) {
			account, site := args[0], args[1]
			if downloadOpts.generate || downloadOpts.reset {
				if _, err := setupProperty(ctx, env.setupDeps(), account, site, downloadOpts.reset); err != nil {
					return nil, err
				}
			}
			prop, err := env.Store.GetProperty(ctx, account, site)
			if err != nil {
				return nil, eris.Wrap(err, "download: get property")
			}
			if prop == nil {
				return nil, eris.Errorf("download: property %s of %s is not set up (run setup or pass --generate)", site, account)
			}
			if !prop.Active {
				zap.L().Info("download: property inactive, skipping", zap.String("property", site))
				return nil, nil
			}
			return []model.Property{*prop}, nil
		})
	},
}

var downloadAllCmd = &cobra.Command{
	Use:   "download-all",
	Short: "Download every active property",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDownload(cmd.Context(), downloadAllOpts, func(ctx context.Context, env *appEnv) ([]model.Property, error) {
			props, err := env.Store.ListProperties(ctx, store.PropertyFilter{ActiveOnly: true})
			if err != nil {
				return nil, eris.Wrap(err, "download: list properties")
			}
			if !downloadAllOpts.generate && !downloadAllOpts.reset {
				return props, nil
			}
			out := make([]model.Property, 0, len(props))
			for _, p := range props {
				np, err := setupProperty(ctx, env.setupDeps(), p.AccountName, p.SiteURL, downloadAllOpts.reset)
				if err != nil {
					return nil, err
				}
				out = append(out, *np)
			}
			return out, nil
		})
	},
}

func init() {
	for _, c := range []struct {
		cmd   *cobra.Command
		flags *downloadFlags
	}{{downloadCmd, &downloadOpts}, {downloadAllCmd, &downloadAllOpts}} {
		f := c.cmd.Flags()
		f.BoolVarP(&c.flags.generate, "generate", "g", false, "create jobs and queue new dates before downloading")
		f.BoolVarP(&c.flags.reset, "reset", "r", false, "delete the account's data and recreate the property first")
		f.IntVarP(&c.flags.maxWorkers, "max-workers", "w", 0, "maximum concurrent workers (default from config)")
		f.Float64Var(&c.flags.rps, "rps", 0, "target requests per second per worker (default from config)")
		f.IntVar(&c.flags.maxAttempts, "max-attempts", 0, "skip dates that failed more often than this (default from config)")
		f.StringVar(&c.flags.metricsAddr, "metrics-addr", "", "serve status and Prometheus metrics on this address while downloading")
		rootCmd.AddCommand(c.cmd)
	}
}

// runOptions applies command line overrides to the configured run options.
func (f downloadFlags) runOptions() harvest.Options {
	opts := harvestOptions(cfg.Harvest)
	if f.maxWorkers > 0 {
		opts.MaxWorkers = f.maxWorkers
	}
	if f.rps > 0 {
		opts.TargetRPS = f.rps
	}
	if f.maxAttempts > 0 {
		opts.MaxAttempts = f.maxAttempts
	}
	return opts
}

func runDownload(parent context.Context, flags downloadFlags, properties func(context.Context, *appEnv) ([]model.Property, error)) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := initApp(ctx, "harvest")
	if err != nil {
		return err
	}
	defer env.Close()

	if flags.metricsAddr != "" {
		srv := server.New(env.Store, env.Registry, flags.metricsAddr)
		go func() {
			if err := srv.Start(); err != nil {
				zap.L().Error("download: metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	props, err := properties(ctx, env)
	if err != nil {
		return err
	}

	opts := flags.runOptions()
	for _, p := range props {
		if err := downloadProperty(ctx, env, p, opts); err != nil {
			if errors.Is(err, context.Canceled) {
				zap.L().Warn("download: interrupted, unfinished dates stay queued")
				return nil
			}
			return err
		}
	}
	return nil
}

// downloadProperty runs every active job of prop in sequence.
func downloadProperty(ctx context.Context, env *appEnv, prop model.Property, opts harvest.Options) error {
	log := zap.L().With(zap.String("account", prop.AccountName), zap.String("property", prop.SiteURL))

	jobs, err := env.Store.ListJobs(ctx, prop.ID, true)
	if err != nil {
		return eris.Wrap(err, "download: list jobs")
	}

	wh, err := env.Warehouse(ctx, prop.AccountName)
	if err != nil {
		return err
	}
	defer wh.Close() //nolint:errcheck

	h := env.Harvester(ctx, prop.AccountName, prop.SiteURL, wh)

	log.Info("download: starting", zap.Int("jobs", len(jobs)), zap.Int("max_workers", opts.MaxWorkers))
	var completed, remaining int
	for i, job := range jobs {
		summary, err := h.Run(ctx, prop, job, opts)
		if summary != nil {
			completed += summary.Completed
			remaining += summary.Remaining()
		}
		if err != nil {
			return err
		}
		log.Info("download: job finished",
			zap.Int("job", i+1),
			zap.Int("of", len(jobs)),
			zap.String("table", summary.Table),
			zap.Int("completed", summary.Completed),
			zap.Int("remaining", summary.Remaining()),
		)
	}
	log.Info("download: finished", zap.Int("completed", completed), zap.Int("remaining", remaining))
	return nil
}
