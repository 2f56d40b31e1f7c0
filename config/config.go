// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"escrowflow/fee"
)

const (
	EnvProduction = "production"

	devJWTSecret = "escrow-development-secret-change-in-production"
	minSecretLen = 32
)

// Config holds every setting the API process reads at startup.
type Config struct {
	Env         string `env:"ESCROW_ENV" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	JWTSecret   string `env:"JWT_SECRET"`

	FeeBps       uint32   `env:"FEE_BPS" envDefault:"50"`
	FeeCollector string   `env:"FEE_COLLECTOR" envDefault:"platform"`
	Arbitrators  []string `env:"ARBITRATORS" envSeparator:","`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepConcurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
	SweepRate        float64       `env:"SWEEP_RATE" envDefault:"20"`
	SweepBatch       int           `env:"SWEEP_BATCH" envDefault:"100"`

	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"3s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// InMemory reports whether no database is configured.
func (c Config) InMemory() bool { return c.DatabaseURL == "" }

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	arbitrators := c.Arbitrators[:0]
	for _, a := range c.Arbitrators {
		if a = strings.TrimSpace(a); a != "" {
			arbitrators = append(arbitrators, a)
		}
	}
	c.Arbitrators = arbitrators
	if len(c.Arbitrators) == 0 {
		return fmt.Errorf("config: ARBITRATORS requires at least one principal")
	}

	if c.Env == EnvProduction {
		if len(c.JWTSecret) < minSecretLen {
			return fmt.Errorf("config: JWT_SECRET must be at least %d characters in production", minSecretLen)
		}
	} else if c.JWTSecret == "" {
		c.JWTSecret = devJWTSecret
	}

	if c.FeeBps > fee.MaxBps {
		return fmt.Errorf("config: FEE_BPS %d exceeds %d", c.FeeBps, fee.MaxBps)
	}
	c.FeeCollector = strings.TrimSpace(c.FeeCollector)
	if err := fee.ValidateCollector(c.FeeCollector); err != nil {
		return fmt.Errorf("config: FEE_COLLECTOR: %w", err)
	}
	if c.SweepConcurrency <= 0 || c.SweepBatch <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep interval, concurrency and batch must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}
