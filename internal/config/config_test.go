package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PAIRLINK_DATABASE_URL",
		"PAIRLINK_RELAY_ADDR",
		"PAIRLINK_STATE_PATH",
		"PAIRLINK_SWEEP_MS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	// The state path is used as a directory, so the default must not look
	// like a file.
	if cfg.StatePath != "pairlink-state" {
		t.Fatalf("state path default: %q", cfg.StatePath)
	}
	if filepath.Ext(cfg.StatePath) != "" {
		t.Fatalf("state path default carries a file extension: %q", cfg.StatePath)
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Fatalf("sweep interval default: %v", cfg.SweepInterval)
	}
	if cfg.InviteTTL != 24*time.Hour {
		t.Fatalf("invite ttl default: %v", cfg.InviteTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAIRLINK_STATE_PATH", "/var/lib/pairlink")
	t.Setenv("PAIRLINK_SWEEP_MS", "2500")
	t.Setenv("PAIRLINK_DELIVERED_FALLBACK_MS", "not-a-number")

	cfg := Load()
	if cfg.StatePath != "/var/lib/pairlink" {
		t.Fatalf("state path override: %q", cfg.StatePath)
	}
	if cfg.SweepInterval != 2500*time.Millisecond {
		t.Fatalf("sweep interval override: %v", cfg.SweepInterval)
	}
	// Unparseable values fall back to the default.
	if cfg.DeliveredFallback != 2*time.Second {
		t.Fatalf("delivered fallback: %v", cfg.DeliveredFallback)
	}
}
