// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Slack     SlackConfig     `mapstructure:"slack"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Points    PointsConfig    `mapstructure:"points"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Retry     RetryConfig     `mapstructure:"retry"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// SlackConfig holds Slack workspace configuration.
type SlackConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	SigningSecret string `mapstructure:"signing_secret"`
	DonateChannel string `mapstructure:"donate_channel"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// PointsConfig holds the allowance and velocity rules.
type PointsConfig struct {
	MaxPerCycle    int64         `mapstructure:"max_per_cycle"`
	VelocityWindow time.Duration `mapstructure:"velocity_window"`
	VelocityLimit  int           `mapstructure:"velocity_limit"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	Timezone       string        `mapstructure:"timezone"`
}

// DirectoryConfig holds workspace user cache configuration.
type DirectoryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RetryConfig holds the backoff policy applied to Slack API calls.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// HTTPConfig holds the slash command endpoint configuration.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// ScheduleConfig holds cron expressions for background jobs.
type ScheduleConfig struct {
	ResetCron       string `mapstructure:"reset_cron"`
	MaintenanceCron string `mapstructure:"maintenance_cron"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Location resolves the configured timezone. Validate rejects unknown names,
// so the time.Local fallback only covers an unvalidated config.
func (p *PointsConfig) Location() *time.Location {
	loc, err := p.loadLocation()
	if err != nil {
		return time.Local
	}
	return loc
}

func (p *PointsConfig) loadLocation() (*time.Location, error) {
	if p.Timezone == "" || p.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(p.Timezone)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., SLACK_BOT_TOKEN, DATABASE_HOST, POINTS_MAX_PER_CYCLE
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional - env vars can provide all config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Points.MaxPerCycle <= 0 {
		return fmt.Errorf("points.max_per_cycle must be positive, got %d", c.Points.MaxPerCycle)
	}
	if c.Points.VelocityLimit <= 0 {
		return fmt.Errorf("points.velocity_limit must be positive, got %d", c.Points.VelocityLimit)
	}
	if c.Points.LockTimeout <= 0 {
		return fmt.Errorf("points.lock_timeout must be positive, got %s", c.Points.LockTimeout)
	}
	if _, err := c.Points.loadLocation(); err != nil {
		return fmt.Errorf("points.timezone %q is not a known time zone: %w", c.Points.Timezone, err)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("slack.bot_token", "")
	v.SetDefault("slack.signing_secret", "")
	v.SetDefault("slack.donate_channel", "donate")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kudos")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "kudos")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Points defaults
	v.SetDefault("points.max_per_cycle", 100)
	v.SetDefault("points.velocity_window", "5m")
	v.SetDefault("points.velocity_limit", 10)
	v.SetDefault("points.lock_timeout", "5s")
	v.SetDefault("points.timezone", "Local")

	v.SetDefault("directory.cache_ttl", "1h")

	// Slack rate-limit backoff: 1s, 2s, 4s between four attempts
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "30s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.requests_per_minute", 60)
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("schedule.reset_cron", "0 0 1 * *")
	v.SetDefault("schedule.maintenance_cron", "0 2 * * *")
}
