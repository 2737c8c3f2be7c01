package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the worker process.
type Config struct {
	GatewayBaseURL string
	GatewayAPIKey  string
	DatabaseURL    string

	RabbitURL   string
	RabbitQueue string
	StatusAddr  string

	ClaimLimit     int
	TickInterval   time.Duration
	StaleLeaseAge  time.Duration
	GatewayTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded first when present; real environment
// variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GatewayBaseURL: strings.TrimRight(firstEnv("GATEWAY_API_URL", "GATEWAY_API"), "/"),
		GatewayAPIKey:  os.Getenv("GATEWAY_API_KEY"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RabbitURL:      os.Getenv("RABBITMQ_URL"),
		RabbitQueue:    os.Getenv("RABBITMQ_QUEUE"),
		StatusAddr:     os.Getenv("STATUS_ADDR"),
		ClaimLimit:     intEnv("CLAIM_LIMIT", 10),
		TickInterval:   durationEnv("TICK_INTERVAL", time.Second),
		StaleLeaseAge:  durationEnv("STALE_LEASE_AGE", 2*time.Minute),
		GatewayTimeout: durationEnv("GATEWAY_TIMEOUT", 15*time.Second),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		LogFormat:      os.Getenv("LOG_FORMAT"),
	}

	if cfg.RabbitQueue == "" {
		cfg.RabbitQueue = "zapflow_deliveries"
	}

	if cfg.GatewayBaseURL == "" {
		return nil, fmt.Errorf("GATEWAY_API_URL is required")
	}
	if cfg.GatewayAPIKey == "" {
		return nil, fmt.Errorf("GATEWAY_API_KEY is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// firstEnv returns the first non-empty value among the given variable names.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func intEnv(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("var", name).Str("value", v).Msg("Invalid integer value, using default")
		return def
	}
	return n
}

func durationEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("var", name).Str("value", v).Msg("Invalid duration value, using default")
		return def
	}
	return d
}
