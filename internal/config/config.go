package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (shared scope counters + enqueue idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp gateway
	GatewayBaseURL        string
	GatewayToken          string
	GatewayTimeoutSeconds int

	// Dispatch workers
	DispatchWorkers     int
	PollIntervalSeconds int
	LeaseSeconds        int
	BackoffBaseSeconds  int
	BackoffCapSeconds   int
	DefaultMaxAttempts  int

	// Fiscal bridge (owns the SEFAZ SOAP side)
	DfeBridgeURL            string
	DfeBridgeToken          string
	DfeBridgeTimeoutSeconds int

	// SEFAZ sync
	SyncIntervalSeconds     int // minimum gap between a tenant's syncs
	ExtendedCooldownSeconds int // penalty window after an upstream block
	SyncMaxBatches          int // protocol batches per run
	SyncRunTimeoutSeconds   int
	SyncTickSeconds         int // how often the runner scans tenants
}

// Load reads configuration from the environment, with an optional .env
// file for local development, applying defaults where unset.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "notazap",
		DBPassword: "",
		DBName:     "notazap",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		GatewayBaseURL:        "http://localhost:3333",
		GatewayTimeoutSeconds: 30,

		DfeBridgeURL:            "http://localhost:8081",
		DfeBridgeTimeoutSeconds: 60,

		DispatchWorkers:     4,
		PollIntervalSeconds: 2,
		LeaseSeconds:        120,
		BackoffBaseSeconds:  5,
		BackoffCapSeconds:   600,
		DefaultMaxAttempts:  3,

		SyncIntervalSeconds:     3600,
		ExtendedCooldownSeconds: 7200,
		SyncMaxBatches:          10,
		SyncRunTimeoutSeconds:   180,
		SyncTickSeconds:         300,
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.DBSSLMode = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("GATEWAY_BASE_URL"); v != "" {
		cfg.GatewayBaseURL = v
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("DFE_BRIDGE_URL"); v != "" {
		cfg.DfeBridgeURL = v
	}
	if v := os.Getenv("DFE_BRIDGE_TOKEN"); v != "" {
		cfg.DfeBridgeToken = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"GATEWAY_TIMEOUT_SECONDS", &cfg.GatewayTimeoutSeconds},
		{"DFE_BRIDGE_TIMEOUT_SECONDS", &cfg.DfeBridgeTimeoutSeconds},
		{"DISPATCH_WORKERS", &cfg.DispatchWorkers},
		{"POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds},
		{"LEASE_SECONDS", &cfg.LeaseSeconds},
		{"BACKOFF_BASE_SECONDS", &cfg.BackoffBaseSeconds},
		{"BACKOFF_CAP_SECONDS", &cfg.BackoffCapSeconds},
		{"DEFAULT_MAX_ATTEMPTS", &cfg.DefaultMaxAttempts},
		{"SYNC_INTERVAL_SECONDS", &cfg.SyncIntervalSeconds},
		{"EXTENDED_COOLDOWN_SECONDS", &cfg.ExtendedCooldownSeconds},
		{"SYNC_MAX_BATCHES", &cfg.SyncMaxBatches},
		{"SYNC_RUN_TIMEOUT_SECONDS", &cfg.SyncRunTimeoutSeconds},
		{"SYNC_TICK_SECONDS", &cfg.SyncTickSeconds},
	}

	for _, it := range ints {
		if v := os.Getenv(it.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", it.env, err)
			}
			*it.dst = n
		}
	}

	if cfg.ExtendedCooldownSeconds <= cfg.SyncIntervalSeconds {
		return nil, fmt.Errorf("EXTENDED_COOLDOWN_SECONDS (%d) must exceed SYNC_INTERVAL_SECONDS (%d)",
			cfg.ExtendedCooldownSeconds, cfg.SyncIntervalSeconds)
	}

	return cfg, nil
}
