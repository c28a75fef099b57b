package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config holds the environment-driven settings for the escrow engine.
type Config struct {
	DatabaseURL     string `env:"DATABASE_URL,required"`
	JWTSecret       string `env:"JWT_SECRET,required"`
	AppURL          string `env:"APP_URL" envDefault:"http://localhost:5173"`
	MinEscrowAmount string `env:"MIN_ESCROW_AMOUNT" envDefault:"1"`
	OutboxBatchSize int    `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.MinEscrowAmount); err != nil {
		return Config{}, fmt.Errorf("config: invalid MIN_ESCROW_AMOUNT %q: %w", cfg.MinEscrowAmount, err)
	}
	return cfg, nil
}

// MinAmount returns the configured minimum escrow amount as a decimal.
func (c Config) MinAmount() decimal.Decimal {
	d, err := decimal.NewFromString(c.MinEscrowAmount)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return d
}
