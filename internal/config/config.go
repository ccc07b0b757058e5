// Package config loads the process configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config is the full process configuration.
type Config struct {
	HTTP     HTTPConfig
	Signing  SigningConfig
	Postgres PostgresConfig
	Sweeper  SweeperConfig
	Matching MatchingConfig
	Auth     AuthConfig
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=10s"`
	RateLimitRPS    float64       `env:"HTTP_RATE_LIMIT_RPS,default=50"`
	RateLimitBurst  int           `env:"HTTP_RATE_LIMIT_BURST,default=100"`
}

// SigningConfig names the MAC key for events and receipts.
type SigningConfig struct {
	KeyID  string `env:"SIGNING_KEY_ID,default=key_local"`
	Secret string `env:"SIGNING_SECRET,default=dev-signing-secret"`
}

// PostgresConfig selects the durable store. An empty DSN keeps the in-memory
// store.
type PostgresConfig struct {
	DSN string `env:"POSTGRES_DSN,default="`
}

// SweeperConfig schedules the escrow deposit-window sweeper.
type SweeperConfig struct {
	Schedule string `env:"SWEEPER_SCHEDULE,default=@every 15s"`
}

// MatchingConfig points at the optional matcher tuning file.
type MatchingConfig struct {
	TuningPath string `env:"MATCHING_TUNING_PATH,default="`
}

// AuthConfig configures optional bearer-token auth. An empty secret disables
// JWT verification and trusts the actor headers alone.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET,default="`
}

// Load reads .env (if present) and decodes the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if _, err := cfg.Sweeper.Interval(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Interval converts the cron schedule into a ticker interval by measuring
// the gap between the next two activations.
func (s SweeperConfig) Interval() (time.Duration, error) {
	sched, err := cron.ParseStandard(s.Schedule)
	if err != nil {
		return 0, fmt.Errorf("config: sweeper schedule %q: %w", s.Schedule, err)
	}
	now := time.Now()
	first := sched.Next(now)
	second := sched.Next(first)
	interval := second.Sub(first)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return interval, nil
}
