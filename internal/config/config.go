package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv        string `envconfig:"APP_ENV" default:"development"`
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SeedDemoData  bool   `envconfig:"SEED_DEMO_DATA" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret string        `envconfig:"AUTH_SECRET"`
	ManagerPIN string        `envconfig:"MANAGER_PIN"`
	TokenTTL   time.Duration `envconfig:"TOKEN_TTL" default:"8h"`

	RequestsPerMinute    int `envconfig:"REQUESTS_PER_MINUTE" default:"600"`
	PINAttemptsPerMinute int `envconfig:"PIN_ATTEMPTS_PER_MINUTE" default:"8"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	InvoiceRetryLimit int           `envconfig:"INVOICE_RETRY_LIMIT" default:"5"`
	BarcodeRetryLimit int           `envconfig:"BARCODE_RETRY_LIMIT" default:"5"`
	LockTTL           time.Duration `envconfig:"LOCK_TTL" default:"5s"`
	LockRetries       int           `envconfig:"LOCK_RETRIES" default:"3"`
	LockRetryDelay    time.Duration `envconfig:"LOCK_RETRY_DELAY" default:"100ms"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)

	if cfg.InvoiceRetryLimit < 1 {
		return Config{}, fmt.Errorf("INVOICE_RETRY_LIMIT must be at least 1")
	}
	if cfg.BarcodeRetryLimit < 1 {
		return Config{}, fmt.Errorf("BARCODE_RETRY_LIMIT must be at least 1")
	}
	if cfg.RequestsPerMinute < 1 || cfg.PINAttemptsPerMinute < 1 {
		return Config{}, fmt.Errorf("REQUESTS_PER_MINUTE and PIN_ATTEMPTS_PER_MINUTE must be at least 1")
	}
	if cfg.LockRetries < 1 {
		return Config{}, fmt.Errorf("LOCK_RETRIES must be at least 1")
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}
