package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Polymarket  PolymarketConfig  `mapstructure:"polymarket"`
	Aggregator  LoopConfig        `mapstructure:"aggregator"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Rationality RationalityConfig `mapstructure:"rationality"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DatabaseConfig holds relational store settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds the optional true price cache settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PolymarketConfig holds market data source configuration
type PolymarketConfig struct {
	Source            string        `mapstructure:"source"` // live or fixture
	APIURL            string        `mapstructure:"api_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
}

// LoopConfig holds scheduling for one periodic loop
type LoopConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// AlertsConfig holds alert engine configuration
type AlertsConfig struct {
	LoopConfig  `mapstructure:",squash"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// RationalityConfig holds score refresher configuration
type RationalityConfig struct {
	LoopConfig      `mapstructure:",squash"`
	LeaderboardSize int `mapstructure:"leaderboard_size"`
}

// NotifyConfig selects the alert delivery backend
type NotifyConfig struct {
	Backend string `mapstructure:"backend"` // smtp, telegram or log
}

// SMTPConfig holds mail server configuration
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds the Prometheus listener address; empty disables it
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// POLYSCORE_DATABASE_DSN overrides database.dsn, and so on.
	v.SetEnvPrefix("POLYSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/polyscore.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.query_timeout", "30s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "1h")

	v.SetDefault("polymarket.source", "live")
	v.SetDefault("polymarket.api_url", "https://clob.polymarket.com/data")
	v.SetDefault("polymarket.timeout", "10s")
	v.SetDefault("polymarket.requests_per_second", 10.0)
	v.SetDefault("polymarket.burst", 5)
	v.SetDefault("polymarket.breaker_failures", 5)
	v.SetDefault("polymarket.breaker_cooldown", "30s")
	v.SetDefault("polymarket.max_retries", 3)
	v.SetDefault("polymarket.retry_delay_base", "1s")

	v.SetDefault("aggregator.interval", "1s")
	v.SetDefault("aggregator.retry_delay", "5s")
	v.SetDefault("aggregator.max_concurrency", 8)

	v.SetDefault("alerts.interval", "5s")
	v.SetDefault("alerts.retry_delay", "10s")
	v.SetDefault("alerts.max_concurrency", 8)
	v.SetDefault("alerts.send_timeout", "1m")

	v.SetDefault("rationality.interval", "60s")
	v.SetDefault("rationality.retry_delay", "30s")
	v.SetDefault("rationality.max_concurrency", 4)
	v.SetDefault("rationality.leaderboard_size", 5)

	v.SetDefault("notify.backend", "log")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.from", "alerts@example.com")
	v.SetDefault("smtp.timeout", "30s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("metrics.listen_addr", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be one of: sqlite, postgres")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	switch c.Polymarket.Source {
	case "live":
		if c.Polymarket.APIURL == "" {
			return fmt.Errorf("polymarket.api_url is required for the live source")
		}
	case "fixture":
	default:
		return fmt.Errorf("polymarket.source must be one of: live, fixture")
	}
	if c.Polymarket.MaxRetries < 1 {
		return fmt.Errorf("polymarket.max_retries must be at least 1")
	}

	for name, loop := range map[string]LoopConfig{
		"aggregator":  c.Aggregator,
		"alerts":      c.Alerts.LoopConfig,
		"rationality": c.Rationality.LoopConfig,
	} {
		if loop.Interval <= 0 {
			return fmt.Errorf("%s.interval must be positive", name)
		}
		if loop.RetryDelay <= 0 {
			return fmt.Errorf("%s.retry_delay must be positive", name)
		}
		if loop.MaxConcurrency < 1 {
			return fmt.Errorf("%s.max_concurrency must be at least 1", name)
		}
	}

	switch c.Notify.Backend {
	case "smtp":
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required when notify.backend is smtp")
		}
	case "telegram":
		if !c.Telegram.Enabled {
			return fmt.Errorf("telegram.enabled must be true when notify.backend is telegram")
		}
	case "log":
	default:
		return fmt.Errorf("notify.backend must be one of: smtp, telegram, log")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
