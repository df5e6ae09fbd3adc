// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	StorageBackend string `validate:"oneof=relational flatfile"`
	DatabasePath   string `validate:"required_if=StorageBackend relational"`
	JSONStorePath  string `validate:"required_if=StorageBackend flatfile"`

	BaseURL            string `validate:"required,url"`
	HomepageURL        string `validate:"required,url"`
	MarketplaceItemURL string `validate:"required,url"`
	DefaultSlug        string `validate:"required"`

	SellerMapPath    string
	SellerDir        string
	SellerIndexTTL   time.Duration `validate:"min=0"`
	ExternalAPIBase  string        `validate:"omitempty,url"`
	MinFetchInterval time.Duration `validate:"gt=0"`
	MaxFetchRetries  int           `validate:"min=1,max=10"`
	RetryBaseDelay   time.Duration `validate:"gt=0"`
	APIRatePerSecond float64       `validate:"min=0"`

	SchedulerTick  time.Duration `validate:"gt=0"`
	UpdateInterval time.Duration `validate:"gt=0"`
	LockPath       string        `validate:"required"`

	ListenAddr string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`
	LogFormat  string `validate:"oneof=text json"`

	AMQPURL        string `validate:"omitempty,url"`
	AMQPExchange   string `validate:"required_with=AMQPURL"`
	AMQPRoutingKey string `validate:"required_with=AMQPURL"`
}

// SchedulerEnabled reports whether an external API is configured.
func (c *Config) SchedulerEnabled() bool {
	return c.ExternalAPIBase != ""
}

// StoragePath returns the path of the selected storage backend.
func (c *Config) StoragePath() string {
	if c.StorageBackend == "flatfile" {
		return c.JSONStorePath
	}
	return c.DatabasePath
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := strings.TrimRight(os.Getenv("BASE_PUBLIC_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("BASE_PUBLIC_URL is required")
	}

	cfg := &Config{
		StorageBackend:     envString("STORAGE_BACKEND", "relational"),
		DatabasePath:       envString("DATABASE_PATH", "./data/tracking.db"),
		JSONStorePath:      envString("JSON_STORE_PATH", "./data/tracking.json"),
		BaseURL:            baseURL,
		HomepageURL:        envString("HOMEPAGE_URL", baseURL+"/"),
		MarketplaceItemURL: envString("MARKETPLACE_ITEM_URL", "https://willhaben.at/iad/object?adId="),
		DefaultSlug:        envString("DEFAULT_SLUG", "rene.kapusta"),
		SellerMapPath:      envString("SELLER_MAP_PATH", "./config/sellers.yaml"),
		SellerDir:          envString("SELLER_DIR", "./public"),
		ExternalAPIBase:    os.Getenv("EXTERNAL_API_BASE"),
		LockPath:           envString("LOCK_PATH", "./data/scheduler.lock"),
		ListenAddr:         envString("LISTEN_ADDR", ":8080"),
		LogLevel:           strings.ToLower(envString("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(envString("LOG_FORMAT", "text")),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       envString("AMQP_EXCHANGE", "marketplace_redirect"),
		AMQPRoutingKey:     envString("AMQP_ROUTING_KEY", "seller.articles.refreshed"),
	}

	var err error
	durations := []struct {
		key  string
		def  int
		dest *time.Duration
	}{
		{"SELLER_INDEX_TTL_SECONDS", 60, &cfg.SellerIndexTTL},
		{"MIN_FETCH_INTERVAL_SECONDS", 300, &cfg.MinFetchInterval},
		{"RETRY_BASE_DELAY_SECONDS", 2, &cfg.RetryBaseDelay},
		{"SCHEDULER_TICK_SECONDS", 60, &cfg.SchedulerTick},
		{"UPDATE_INTERVAL_SECONDS", 300, &cfg.UpdateInterval},
	}
	for _, d := range durations {
		if *d.dest, err = envSeconds(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.MaxFetchRetries, err = envInt("MAX_FETCH_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.APIRatePerSecond, err = envFloat("API_REQUESTS_PER_SECOND", 1); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envSeconds(key string, def int) (time.Duration, error) {
	n, err := envInt(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}
