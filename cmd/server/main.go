package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"posledger/internal/clock"
	"posledger/internal/config"
	"posledger/internal/httpapi"
	"posledger/internal/lock"
	"posledger/internal/logging"
	"posledger/internal/service"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	pgstore "posledger/internal/store/postgres"
)

func main() {
	// A missing .env is normal outside local development.
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

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	repo, closeRepo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	locker, closeLocker := buildLocker(ctx, cfg, logger)
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}

	svc := service.New(repo, locker, clock.System{}, logger, service.Config{
		InvoiceRetryLimit: cfg.InvoiceRetryLimit,
		BarcodeRetryLimit: cfg.BarcodeRetryLimit,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL, cfg.ManagerPIN)
	api := httpapi.New(svc, auth, logger, httpapi.Options{
		AllowedOrigin:        cfg.AllowedOrigin,
		Production:           cfg.IsProduction(),
		RequestsPerMinute:    cfg.RequestsPerMinute,
		PINAttemptsPerMinute: cfg.PINAttemptsPerMinute,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-sig:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// buildRepository refuses to fall back to memory when DATABASE_URL is set
// but unreachable; silently losing sales is worse than not starting.
func buildRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil
	}

	if cfg.SeedDemoData {
		logger.Info("repository: in-memory (demo catalog)")
		return memory.NewSeeded(), nil, nil
	}
	logger.Info("repository: in-memory")
	return memory.New(), nil, nil
}

func buildLocker(ctx context.Context, cfg config.Config, logger *zap.Logger) (lock.Locker, func() error) {
	opts := lock.Options{
		TTL:        cfg.LockTTL,
		Retries:    cfg.LockRetries,
		RetryDelay: cfg.LockRetryDelay,
	}
	if cfg.RedisAddr == "" {
		logger.Info("locker: local")
		return lock.NewLocal(opts), nil
	}

	redisLocker := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, opts, logger)
	if err := redisLocker.Ping(ctx); err != nil {
		_ = redisLocker.Close()
		logger.Warn("redis unavailable, using local locker", zap.Error(err))
		return lock.NewLocal(opts), nil
	}
	logger.Info("locker: redis", zap.String("addr", cfg.RedisAddr))
	return redisLocker, redisLocker.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if err := checkManagerPIN(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN %w", err)
	}
	return nil
}

// checkManagerPIN accepts six or more digits that use enough different digits
// and do not climb or fall by a fixed step.
func checkManagerPIN(pin string) error {
	if len(pin) < 6 {
		return errors.New("must be set and at least 6 digits")
	}
	if strings.Trim(pin, "0123456789") != "" {
		return errors.New("must contain digits only")
	}

	seen := make(map[byte]struct{}, len(pin))
	for i := range len(pin) {
		seen[pin[i]] = struct{}{}
	}
	if need := len(pin)/2 + 1; len(seen) < need {
		return fmt.Errorf("must use at least %d different digits", need)
	}

	step := int(pin[1]) - int(pin[0])
	for i := 2; i < len(pin); i++ {
		if int(pin[i])-int(pin[i-1]) != step {
			return nil
		}
	}
	return errors.New("must not be an evenly stepped run")
}
