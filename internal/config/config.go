package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" mapstructure:"store"`
	Warehouse     WarehouseConfig     `yaml:"warehouse" mapstructure:"warehouse"`
	SearchConsole SearchConsoleConfig `yaml:"searchconsole" mapstructure:"searchconsole"`
	Harvest       HarvestConfig       `yaml:"harvest" mapstructure:"harvest"`
	Jobs          JobsConfig          `yaml:"jobs" mapstructure:"jobs"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Tracing       TracingConfig       `yaml:"tracing" mapstructure:"tracing"`
}

// StoreConfig configures the job queue database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// WarehouseConfig configures where harvested rows are written.
type WarehouseConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DataDir     string `yaml:"data_dir" mapstructure:"data_dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SearchConsoleConfig holds API and OAuth client settings.
type SearchConsoleConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	ClientID       string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret   string  `yaml:"client_secret" mapstructure:"client_secret"`
	CredentialsDir string  `yaml:"credentials_dir" mapstructure:"credentials_dir"`
	Months         int     `yaml:"months" mapstructure:"months"`
	MaxQPS         float64 `yaml:"max_qps" mapstructure:"max_qps"`
}

// HarvestConfig tunes the adaptive worker pool.
type HarvestConfig struct {
	MaxWorkers     int           `yaml:"max_workers" mapstructure:"max_workers"`
	TargetRPS      float64       `yaml:"target_rps" mapstructure:"target_rps"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	EvalInterval   time.Duration `yaml:"eval_interval" mapstructure:"eval_interval"`
	Window         time.Duration `yaml:"window" mapstructure:"window"`
	IndexThreshold int           `yaml:"index_threshold" mapstructure:"index_threshold"`
	Retry          RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures backoff for API calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// JobsConfig points at the job definition file.
type JobsConfig struct {
	Definitions string `yaml:"definitions" mapstructure:"definitions"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Service  string `yaml:"service" mapstructure:"service"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/harvest.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("warehouse.driver", "sqlite")
	v.SetDefault("warehouse.data_dir", "data")
	v.SetDefault("warehouse.database_url", "")
	v.SetDefault("searchconsole.base_url", "https://www.googleapis.com/webmasters/v3")
	v.SetDefault("searchconsole.client_id", "")
	v.SetDefault("searchconsole.client_secret", "")
	v.SetDefault("searchconsole.credentials_dir", "credentials")
	v.SetDefault("searchconsole.months", 16)
	v.SetDefault("searchconsole.max_qps", 20.0)
	v.SetDefault("harvest.max_workers", 10)
	v.SetDefault("harvest.target_rps", 3.0)
	v.SetDefault("harvest.max_attempts", 5)
	v.SetDefault("harvest.cooldown", "20m")
	v.SetDefault("harvest.eval_interval", "500ms")
	v.SetDefault("harvest.window", "60s")
	v.SetDefault("harvest.index_threshold", 50)
	v.SetDefault("harvest.retry.max_attempts", 5)
	v.SetDefault("harvest.retry.initial_backoff_ms", 1000)
	v.SetDefault("harvest.retry.max_backoff_ms", 10000)
	v.SetDefault("harvest.retry.multiplier", 2.0)
	v.SetDefault("harvest.retry.jitter_fraction", 0.0)
	v.SetDefault("jobs.definitions", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service", "sa-harvest")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "harvest"
// (setup and download), "store" (queue-only commands) and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "harvest":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateWarehouse()...)
		errs = append(errs, c.validateHarvest()...)
		if c.SearchConsole.ClientID == "" {
			errs = append(errs, "searchconsole.client_id is required")
		}
		if c.SearchConsole.ClientSecret == "" {
			errs = append(errs, "searchconsole.client_secret is required")
		}
		if c.SearchConsole.CredentialsDir == "" {
			errs = append(errs, "searchconsole.credentials_dir is required")
		}
		if c.SearchConsole.Months < 1 {
			errs = append(errs, "searchconsole.months must be >= 1")
		}
	case "store":
		errs = append(errs, c.validateStore()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return []string{"store.path is required for sqlite"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for postgres"}
		}
	default:
		return []string{fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver)}
	}
	return nil
}

func (c *Config) validateWarehouse() []string {
	switch c.Warehouse.Driver {
	case "sqlite":
		if c.Warehouse.DataDir == "" {
			return []string{"warehouse.data_dir is required for sqlite"}
		}
	case "postgres":
		if c.Warehouse.DatabaseURL == "" && c.Store.DatabaseURL == "" {
			return []string{"warehouse.database_url (or store.database_url) is required for postgres"}
		}
	default:
		return []string{fmt.Sprintf("warehouse.driver %q must be sqlite or postgres", c.Warehouse.Driver)}
	}
	return nil
}

func (c *Config) validateHarvest() []string {
	var errs []string
	h := c.Harvest
	if h.MaxWorkers < 1 || h.MaxWorkers > 100 {
		errs = append(errs, "harvest.max_workers must be between 1 and 100")
	}
	if h.TargetRPS <= 0 {
		errs = append(errs, "harvest.target_rps must be > 0")
	}
	if h.MaxAttempts < 1 {
		errs = append(errs, "harvest.max_attempts must be >= 1")
	}
	if h.Window <= 0 || h.EvalInterval <= 0 {
		errs = append(errs, "harvest.window and harvest.eval_interval must be > 0")
	}
	return errs
}

// WarehouseURL returns the warehouse database URL, falling back to the store's.
func (c *Config) WarehouseURL() string {
	if c.Warehouse.DatabaseURL != "" {
		return c.Warehouse.DatabaseURL
	}
	return c.Store.DatabaseURL
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
