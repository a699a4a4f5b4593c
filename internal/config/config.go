// Package config loads engine configuration from file and environment via
// viper. Environment variables override file values, so deployments only set
// what differs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"db_name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

// DSN builds the connection string, preferring an explicit DatabaseURL.
func (c DatabaseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// ConnLifetime parses ConnMaxLifetime, defaulting to five minutes.
func (c DatabaseConfig) ConnLifetime() time.Duration {
	d, err := time.ParseDuration(c.ConnMaxLifetime)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// RedisConfig holds snapshot cache settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	SnapshotTTL string `mapstructure:"snapshot_ttl"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TTL parses SnapshotTTL, defaulting to one hour.
func (c RedisConfig) TTL() time.Duration {
	d, err := time.ParseDuration(c.SnapshotTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// EngineConfig holds the optimization and promotion settings.
type EngineConfig struct {
	// Optimizer is "grid" or "bayesian".
	Optimizer string `mapstructure:"optimizer"`
	// Preset is "high_win_rate" or "balanced".
	Preset string `mapstructure:"preset"`

	// Seed drives every random draw in the engine: the Bayesian sampler and
	// the allocation picks. Fixed seed means replayable routing.
	Seed int64 `mapstructure:"seed"`

	RegenerateEveryN  int     `mapstructure:"regenerate_every_n"`
	PartialExitWeight float64 `mapstructure:"partial_exit_weight"`
	NotionalUSD       float64 `mapstructure:"notional_usd"`
	Workers           int     `mapstructure:"workers"`

	// SearchBudget bounds one optimizer run's wall clock.
	SearchBudget string `mapstructure:"search_budget"`
}

// Budget parses SearchBudget, defaulting to thirty seconds.
func (c EngineConfig) Budget() time.Duration {
	d, err := time.ParseDuration(c.SearchBudget)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.db_name", "signalforge")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.snapshot_ttl", "1h")

	v.SetDefault("engine.optimizer", "grid")
	v.SetDefault("engine.preset", "high_win_rate")
	v.SetDefault("engine.seed", 1)
	v.SetDefault("engine.regenerate_every_n", 5)
	v.SetDefault("engine.partial_exit_weight", 0.5)
	v.SetDefault("engine.notional_usd", 1000)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.search_budget", "30s")
}

// Load reads config.yaml from the given path (or the working directory when
// empty) and overlays SIGNALFORGE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SIGNALFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus environment carry a dev setup.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.Optimizer {
	case "grid", "bayesian":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Engine.Optimizer)
	}
	switch c.Engine.Preset {
	case "high_win_rate", "balanced":
	default:
		return fmt.Errorf("unknown preset %q", c.Engine.Preset)
	}
	if c.Engine.PartialExitWeight < 0 || c.Engine.PartialExitWeight > 1 {
		return fmt.Errorf("partial_exit_weight must be in [0, 1], got %v", c.Engine.PartialExitWeight)
	}
	if c.Engine.NotionalUSD <= 0 {
		return fmt.Errorf("notional_usd must be positive, got %v", c.Engine.NotionalUSD)
	}
	return nil
}
