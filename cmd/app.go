package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/sa-harvest/internal/config"
	"github.com/sells-group/sa-harvest/internal/credentials"
	"github.com/sells-group/sa-harvest/internal/harvest"
	"github.com/sells-group/sa-harvest/internal/jobdef"
	"github.com/sells-group/sa-harvest/internal/resilience"
	"github.com/sells-group/sa-harvest/internal/source"
	"github.com/sells-group/sa-harvest/internal/store"
	"github.com/sells-group/sa-harvest/internal/warehouse"
	"github.com/sells-group/sa-harvest/pkg/searchconsole"
)

// appEnv holds the long-lived dependencies of a command.
type appEnv struct {
	Store    store.Store
	Registry *prometheus.Registry
	Metrics  *harvest.Metrics
	Creds    *credentials.Store

	mu       sync.Mutex
	pool     *pgxpool.Pool
	limiters map[string]*rate.Limiter
}

// initStore opens and migrates the queue store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "create store dir %s", dir)
			}
		}
		st, err = store.NewSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp builds the environment of the harvest commands.
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &appEnv{
		Store:    st,
		Registry: reg,
		Metrics:  harvest.NewMetrics(reg),
		Creds: credentials.New(credentials.Config{
			ClientID:     cfg.SearchConsole.ClientID,
			ClientSecret: cfg.SearchConsole.ClientSecret,
			Dir:          cfg.SearchConsole.CredentialsDir,
		}),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Close releases the store and any warehouse pool.
func (a *appEnv) Close() {
	a.mu.Lock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	a.mu.Unlock()
	_ = a.Store.Close()
}

// limiter returns the process-wide request limiter of account.
func (a *appEnv) limiter(account string) *rate.Limiter {
	if cfg.SearchConsole.MaxQPS <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[account]
	if !ok {
		l = rate.NewLimiter(rate.Limit(cfg.SearchConsole.MaxQPS), 1)
		a.limiters[account] = l
	}
	return l
}

// Client builds an authorized API client for account.
func (a *appEnv) Client(ctx context.Context, account string) (searchconsole.Client, error) {
	hc, err := a.Creds.HTTPClient(ctx, account)
	if err != nil {
		return nil, err
	}
	hc.Timeout = 60 * time.Second

	opts := []searchconsole.Option{
		searchconsole.WithHTTPClient(hc),
		searchconsole.WithBaseURL(cfg.SearchConsole.BaseURL),
	}
	if l := a.limiter(account); l != nil {
		opts = append(opts, searchconsole.WithRateLimit(l))
	}
	return searchconsole.NewClient(opts...), nil
}

// Discovery builds a date and dimension value lister for a property.
func (a *appEnv) Discovery(ctx context.Context, account, siteURL string) (*source.Discovery, error) {
	client, err := a.Client(ctx, account)
	if err != nil {
		return nil, err
	}
	return source.NewDiscovery(client, siteURL, cfg.SearchConsole.Months, retryConfig()), nil
}

// Warehouse opens the row warehouse of account.
func (a *appEnv) Warehouse(ctx context.Context, account string) (warehouse.Warehouse, error) {
	switch cfg.Warehouse.Driver {
	case "sqlite":
		return warehouse.NewSQLite(cfg.Warehouse.DataDir, account)
	case "postgres":
		pool, err := a.warehousePool(ctx)
		if err != nil {
			return nil, err
		}
		return warehouse.NewPostgres(ctx, pool, account)
	default:
		return nil, eris.Errorf("unsupported warehouse driver: %s", cfg.Warehouse.Driver)
	}
}

func (a *appEnv) warehousePool(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := pgxpool.New(ctx, cfg.WarehouseURL())
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "warehouse: ping database")
	}
	a.pool = pool
	return pool, nil
}

// Harvester wires a harvester for account and siteURL onto wh.
func (a *appEnv) Harvester(ctx context.Context, account, siteURL string, wh warehouse.Warehouse) *harvest.Harvester {
	factory := source.Factory(func() (searchconsole.Client, error) {
		return a.Client(ctx, account)
	}, siteURL)
	return harvest.New(a.Store, wh, factory, harvest.WithMetrics(a.Metrics))
}

// JobDefinitions loads the configured job definition file or the defaults.
func (a *appEnv) JobDefinitions() (jobdef.Definitions, error) {
	if cfg.Jobs.Definitions == "" {
		return jobdef.Default(), nil
	}
	return jobdef.Load(cfg.Jobs.Definitions)
}

func retryConfig() resilience.RetryConfig {
	return harvestOptions(cfg.Harvest).Retry
}

// harvestOptions maps the harvest config section onto run options.
func harvestOptions(h config.HarvestConfig) harvest.Options {
	return harvest.Options{
		MaxWorkers:     h.MaxWorkers,
		TargetRPS:      h.TargetRPS,
		MaxAttempts:    h.MaxAttempts,
		Cooldown:       h.Cooldown,
		EvalInterval:   h.EvalInterval,
		Window:         h.Window,
		IndexThreshold: h.IndexThreshold,
		Retry: resilience.FromRetryConfig(h.Retry.MaxAttempts, h.Retry.InitialBackoffMs, h.Retry.MaxBackoffMs,
			h.Retry.Multiplier, h.Retry.JitterFraction),
	}
}
