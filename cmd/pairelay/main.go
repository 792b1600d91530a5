package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"pairlink/internal/config"
	"pairlink/internal/observability/logging"
	"pairlink/internal/observability/metrics"
	"pairlink/internal/relay"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "pairelay",
		Environment: env,
		Level:       os.Getenv("LOG_LEVEL"),
	})
	slog.SetDefault(logger)
	metrics.MustRegister("pairelay")

	cfg := config.Load()

	db, err := gorm.Open(openDialector(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := relay.NewStore(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	signer, err := relay.NewTokenSigner(cfg.RelaySigningKey, "pairelay", 12*time.Hour)
	if err != nil {
		logger.Error("token signer", "error", err)
		os.Exit(1)
	}

	srv := relay.NewServer(st, signer)
	server := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("relay listening", "addr", cfg.RelayAddr)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// openDialector picks the driver from the URL shape: postgres for server
// deployments, sqlite for everything else.
func openDialector(databaseURL string) gorm.Dialector {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return postgres.Open(databaseURL)
	}
	return sqlite.Open(databaseURL)
}
