package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	RelayAddr         string
	RelayBaseURL      string
	RelaySigningKey   string
	StatePath         string
	SweepInterval     time.Duration
	DeliveredFallback time.Duration
	InviteTTL         time.Duration
}

func Load() Config {
	// Best-effort: a missing .env is the normal case outside local dev.
	_ = godotenv.Load()

	return Config{
		DatabaseURL:       envOr("PAIRLINK_DATABASE_URL", "file:pairlink.db?_busy_timeout=5000"),
		RelayAddr:         envOr("PAIRLINK_RELAY_ADDR", ":8090"),
		RelayBaseURL:      envOr("PAIRLINK_RELAY_BASE_URL", "http://localhost:8090"),
		RelaySigningKey:   os.Getenv("PAIRLINK_RELAY_SIGNING_KEY"),
		// StatePath names a directory; the CLI keeps identity.json and the
		// message database inside it.
		StatePath:         envOr("PAIRLINK_STATE_PATH", "pairlink-state"),
		SweepInterval:     envDuration("PAIRLINK_SWEEP_MS", 10_000),
		DeliveredFallback: envDuration("PAIRLINK_DELIVERED_FALLBACK_MS", 2_000),
		InviteTTL:         envDuration("PAIRLINK_INVITE_TTL_MS", int(24*time.Hour/time.Millisecond)),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, defaultMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default_ms", defaultMillis)
	}
	return time.Duration(defaultMillis) * time.Millisecond
}
