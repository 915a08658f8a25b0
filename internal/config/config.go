// Package config loads application configuration from file and
// environment and installs the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Redis  RedisConfig  `yaml:"redis" mapstructure:"redis"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Flags  FlagsConfig  `yaml:"flags" mapstructure:"flags"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared TTL state used by the circuit breaker.
// An empty Addr selects the in-process store (single-node deployments).
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// IngestConfig configures the ingestion orchestrator.
type IngestConfig struct {
	PageSize                int     `yaml:"page_size" mapstructure:"page_size"`
	MaxRetries              int     `yaml:"max_retries" mapstructure:"max_retries"`
	PageDelaySecs           float64 `yaml:"page_delay_secs" mapstructure:"page_delay_secs"`
	BreakerFailureThreshold int     `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerTTLMins          int     `yaml:"breaker_ttl_mins" mapstructure:"breaker_ttl_mins"`
	DedupCandidateCap       int     `yaml:"dedup_candidate_cap" mapstructure:"dedup_candidate_cap"`
}

// PageDelay returns the configured inter-page pacing as a duration.
func (c IngestConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelaySecs * float64(time.Second))
}

// BreakerTTL returns the breaker window as a duration.
func (c IngestConfig) BreakerTTL() time.Duration {
	return time.Duration(c.BreakerTTLMins) * time.Minute
}

// FlagsConfig configures the flag rule engine.
type FlagsConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROCUREMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ingest.page_size", 100)
	v.SetDefault("ingest.max_retries", 5)
	v.SetDefault("ingest.page_delay_secs", 0.1)
	v.SetDefault("ingest.breaker_failure_threshold", 3)
	v.SetDefault("ingest.breaker_ttl_mins", 15)
	v.SetDefault("ingest.dedup_candidate_cap", 5)
	v.SetDefault("flags.batch_size", 500)

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
