package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"posledger/internal/config"
	"posledger/internal/logging"
	pgstore "posledger/internal/store/postgres"
)

// migrate brings DATABASE_URL up to the current schema and exits. The server
// does the same on start; this is for running it ahead of a deploy.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	if err := pg.Close(); err != nil {
		logger.Warn("close error", zap.Error(err))
	}
	logger.Info("migrations complete")
}
