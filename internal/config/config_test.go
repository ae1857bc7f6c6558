package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DispatchWorkers != 4 {
		t.Errorf("expected default 4 workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.SyncIntervalSeconds != 3600 {
		t.Errorf("expected default sync interval 3600, got %d", cfg.SyncIntervalSeconds)
	}
	if cfg.ExtendedCooldownSeconds != 7200 {
		t.Errorf("expected default extended cooldown 7200, got %d", cfg.ExtendedCooldownSeconds)
	}
	if cfg.DefaultMaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.DefaultMaxAttempts)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DISPATCH_WORKERS", "8")
	t.Setenv("GATEWAY_BASE_URL", "http://gateway.internal:3333")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.DispatchWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.GatewayBaseURL != "http://gateway.internal:3333" {
		t.Errorf("unexpected gateway url %q", cfg.GatewayBaseURL)
	}
}

func TestLoad_InvalidInteger(t *testing.T) {
	t.Setenv("LEASE_SECONDS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid integer")
	}
}

func TestLoad_ExtendedCooldownMustExceedInterval(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_SECONDS", "3600")
	t.Setenv("EXTENDED_COOLDOWN_SECONDS", "3600")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when the penalty window does not exceed the ordinary interval")
	}
}
