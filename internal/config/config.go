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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the name classifier.
type AnthropicConfig struct {
	Key             string        `yaml:"key" mapstructure:"key"`
	Model           string        `yaml:"model" mapstructure:"model"`
	MaxTokens       int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	RateLimit       float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	RetryAttempts   int           `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	BreakerFailures int           `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// ReviewConfig configures the pending food review pipeline.
type ReviewConfig struct {
	BatchSize         int           `yaml:"batch_size" mapstructure:"batch_size"`
	DefaultLimit      int           `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit          int           `yaml:"max_limit" mapstructure:"max_limit"`
	StuckRunTimeout   time.Duration `yaml:"stuck_run_timeout" mapstructure:"stuck_run_timeout"`
	LookupConcurrency int           `yaml:"lookup_concurrency" mapstructure:"lookup_concurrency"`
	PromptPath        string        `yaml:"prompt_path" mapstructure:"prompt_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig holds admin session and cron trigger credentials.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	CronSecret string `yaml:"cron_secret" mapstructure:"cron_secret"`
	CronRunBy  string `yaml:"cron_run_by" mapstructure:"cron_run_by"`
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
	v.SetEnvPrefix("FOODREVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.rate_limit", 2.0)
	v.SetDefault("anthropic.retry_attempts", 3)
	v.SetDefault("anthropic.retry_backoff", "1s")
	v.SetDefault("anthropic.breaker_failures", 5)
	v.SetDefault("anthropic.breaker_cooldown", "30s")
	v.SetDefault("review.batch_size", 20)
	v.SetDefault("review.default_limit", 500)
	v.SetDefault("review.max_limit", 2000)
	v.SetDefault("review.stuck_run_timeout", "10m")
	v.SetDefault("review.lookup_concurrency", 4)
	v.SetDefault("review.prompt_path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cron_secret", "")
	v.SetDefault("auth.cron_run_by", "system:cron")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Modes: "serve",
// "review" (one-shot run from the CLI) and "read" (runs/migrate commands).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Auth.JWTSecret == "" && c.Auth.CronSecret == "" {
			errs = append(errs, "auth.jwt_secret or auth.cron_secret is required")
		}
		errs = append(errs, c.validateReview()...)
	case "review":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		errs = append(errs, c.validateReview()...)
	case "read":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateReview() []string {
	var errs []string
	r := c.Review
	if r.BatchSize < 1 || r.BatchSize > 100 {
		errs = append(errs, "review.batch_size must be between 1 and 100")
	}
	if r.DefaultLimit < 1 {
		errs = append(errs, "review.default_limit must be > 0")
	}
	if r.MaxLimit < r.DefaultLimit {
		errs = append(errs, "review.max_limit must be >= review.default_limit")
	}
	if r.StuckRunTimeout <= 0 {
		errs = append(errs, "review.stuck_run_timeout must be > 0")
	}
	if r.LookupConcurrency < 1 || r.LookupConcurrency > 32 {
		errs = append(errs, "review.lookup_concurrency must be between 1 and 32")
	}
	return errs
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
