package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	StoreBackendMemory   = "memory"
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
	StoreBackendSQLite   = "sqlite"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	LinkAPIBaseURL string `env:"LINK_API_BASE_URL,required,notEmpty"`
	LinkAPIToken   string `env:"LINK_API_TOKEN"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"autoconnect.db"`

	PollIntervalMs      int `env:"POLL_INTERVAL_MS" envDefault:"3000"`
	PollDeadlineSeconds int `env:"POLL_DEADLINE_SECONDS" envDefault:"60"`
	MaxRetries          int `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelayMs    int `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`
	RetryMaxDelayMs     int `env:"RETRY_MAX_DELAY_MS" envDefault:"8000"`
	SessionTTLHours     int `env:"SESSION_TTL_HOURS" envDefault:"24"`

	NativeLinkTemplate    string `env:"NATIVE_LINK_TEMPLATE" envDefault:"tg://resolve?domain={bot}&start={code}"`
	UniversalLinkTemplate string `env:"UNIVERSAL_LINK_TEMPLATE" envDefault:"https://t.me/{bot}?start={code}"`
	FallbackLinkTemplate  string `env:"FALLBACK_LINK_TEMPLATE" envDefault:"https://telegram.me/{bot}?start={code}"`

	MaxControllers  int  `env:"MAX_CONTROLLERS" envDefault:"1024"`
	RateLimitPerMin int  `env:"RATE_LIMIT_PER_MIN" envDefault:"10"`
	SecureCookies   bool `env:"SECURE_COOKIES" envDefault:"false"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) PollDeadline() time.Duration {
	return time.Duration(c.PollDeadlineSeconds) * time.Second
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.LinkAPIBaseURL); err != nil {
		return fmt.Errorf("LINK_API_BASE_URL is not a valid URL: %w", err)
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.PollDeadline() < c.PollInterval() {
		return fmt.Errorf("POLL_DEADLINE_SECONDS must cover at least one poll interval")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.RetryBaseDelayMs <= 0 || c.RetryMaxDelayMs < c.RetryBaseDelayMs {
		return fmt.Errorf("RETRY_BASE_DELAY_MS must be positive and not exceed RETRY_MAX_DELAY_MS")
	}
	if c.SessionTTLHours <= 0 {
		return fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}

	switch c.StoreBackend {
	case StoreBackendMemory:
	case StoreBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for STORE_BACKEND=redis")
		}
	case StoreBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case StoreBackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if strings.HasPrefix(c.LinkAPIBaseURL, "http://") {
		log.Warn().Msg("LINK_API_BASE_URL uses http:// (not TLS): link codes travel in clear text")
	}
	if strings.HasPrefix(c.RedisURL, "redis://") {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS): consider using rediss://")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
