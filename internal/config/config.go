package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port" envconfig:"SERVER_PORT"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes" envconfig:"SERVER_MAX_HEADER_BYTES"`
	// RateLimit is requests per second per client IP; RateLimit of zero
	// disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit" envconfig:"SERVER_RATE_LIMIT"`
	RateBurst int     `mapstructure:"rate_burst" envconfig:"SERVER_RATE_BURST"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" envconfig:"DB_HOST"`
	Port     int    `mapstructure:"port" envconfig:"DB_PORT"`
	User     string `mapstructure:"user" envconfig:"DB_USER"`
	Password string `mapstructure:"password" envconfig:"DB_PASSWORD"`
	Name     string `mapstructure:"name" envconfig:"DB_NAME"`
	SSLMode  string `mapstructure:"sslmode" envconfig:"DB_SSLMODE"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" envconfig:"REDIS_URL"`
	MaxRetries   int           `mapstructure:"max_retries" envconfig:"REDIS_MAX_RETRIES"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" envconfig:"REDIS_RETRY_BACKOFF"`
	PoolSize     int           `mapstructure:"pool_size" envconfig:"REDIS_POOL_SIZE"`
	MinIdleConns int           `mapstructure:"min_idle_conns" envconfig:"REDIS_MIN_IDLE_CONNS"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" envconfig:"JWT_SECRET"`
}

// NotifierConfig tunes the delivery core. ConnectionTimeout bounds how long
// a stream may go without a liveness touch before the sweep evicts it;
// DefaultExpiry of zero means notifications never expire unless the sender
// sets expire_at explicitly.
type NotifierConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" envconfig:"NOTIFIER_HEARTBEAT_INTERVAL"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" envconfig:"NOTIFIER_CONNECTION_TIMEOUT"`
	DefaultExpiry     time.Duration `mapstructure:"default_expiry" envconfig:"NOTIFIER_DEFAULT_EXPIRY"`
	StreamBuffer      int           `mapstructure:"stream_buffer" envconfig:"NOTIFIER_STREAM_BUFFER"`
	Channel           string        `mapstructure:"channel" envconfig:"NOTIFIER_CHANNEL"`
}

type CleanupConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" envconfig:"CLEANUP_POLL_INTERVAL"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app")
	viper.AddConfigPath("/app/config")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables win over the file.
	if err := envconfig.Process("", &config.Server); err != nil {
		return nil, fmt.Errorf("failed to process server env: %w", err)
	}
	if err := envconfig.Process("", &config.Database); err != nil {
		return nil, fmt.Errorf("failed to process database env: %w", err)
	}
	if err := envconfig.Process("", &config.Redis); err != nil {
		return nil, fmt.Errorf("failed to process redis env: %w", err)
	}
	if err := envconfig.Process("", &config.JWT); err != nil {
		return nil, fmt.Errorf("failed to process jwt env: %w", err)
	}
	if err := envconfig.Process("", &config.Notifier); err != nil {
		return nil, fmt.Errorf("failed to process notifier env: %w", err)
	}
	if err := envconfig.Process("", &config.Cleanup); err != nil {
		return nil, fmt.Errorf("failed to process cleanup env: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Notifier.HeartbeatInterval <= 0 {
		c.Notifier.HeartbeatInterval = 30 * time.Second
	}
	if c.Notifier.ConnectionTimeout <= 0 {
		c.Notifier.ConnectionTimeout = 2 * c.Notifier.HeartbeatInterval
	}
	if c.Notifier.StreamBuffer <= 0 {
		c.Notifier.StreamBuffer = 16
	}
	if c.Notifier.Channel == "" {
		c.Notifier.Channel = "notifications"
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		c.Server.RateBurst = int(2 * c.Server.RateLimit)
	}
	if c.Cleanup.PollInterval <= 0 {
		c.Cleanup.PollInterval = time.Hour
	}
}
