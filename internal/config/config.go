package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string `env:"ADDR" envDefault:":8080"`
	DatabaseURL   string `env:"DATABASE_URL"`
	HostKeySecret string `env:"HOST_KEY_SECRET" envDefault:"dev-only-secret"`

	// Room sweep tuning.
	HibernateAfter time.Duration `env:"HIBERNATE_AFTER" envDefault:"2m"`
	AbandonAfter   time.Duration `env:"ABANDON_AFTER" envDefault:"30m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`

	CodeLength  int `env:"ROOM_CODE_LENGTH" envDefault:"5"`
	CodeRetries int `env:"ROOM_CODE_RETRIES" envDefault:"10"`
}

func Load() (Config, error) {
	// A missing .env file is fine; the environment may be set directly.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}
