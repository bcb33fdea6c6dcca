package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"branchpos/backend/internal/cache"
	"branchpos/backend/internal/config"
	"branchpos/backend/internal/httpapi"
	"branchpos/backend/internal/lock"
	"branchpos/backend/internal/logging"
	"branchpos/backend/internal/service"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/store/memory"
	pgstore "branchpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, log)
	if err != nil {
		log.Fatalf("repository: %v", err)
	}

	opts := service.Options{
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         log,
		DefaultStoreID: cfg.StoreID,
	}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisIdempotencyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.WithError(err).Warn("redis unavailable, using in-process locks and no idempotency cache")
		} else {
			opts.Cache = redisCache
			opts.Locker = lock.NewRedisLocker(redisCache.Client(), "branchpos:lock", cfg.LockTTL, log)
			closers = append(closers, redisCache.Close)
			log.Info("cache: redis, locks: redis")
		}
	} else {
		log.Info("cache: noop, locks: in-process")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, log)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("branch POS ledger listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.WithError(err).Error("close error")
		}
	}

	log.Info("server stopped")
}

// openRepository picks postgres when DATABASE_URL is set and the seeded
// in-memory store otherwise. A configured but unreachable database is fatal.
func openRepository(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Repository, []func() error, error) {
	closers := make([]func() error, 0, 2)
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return memory.NewSeeded(), closers, nil
	}

	if cfg.RunMigrations {
		if err := pgstore.Migrate(cfg.DatabaseURL, log); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
	}
	closers = append(closers, pg.Close)
	log.Info("repository: postgres")
	return pg, closers, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL_SECONDS must be positive")
	}
	return nil
}
