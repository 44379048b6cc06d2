package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/redis"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/config"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/reaper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.CRDBDSN == "" {
		log.Fatal("CRDB_DSN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg, "cinema-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	// The reaper only needs the lock manager for its showtime guard, quarantine
	// and cache invalidation; the catalog is never consulted on this path. Options
	// apply in order, so Redis overrides the CockroachDB quarantine as in the API.
	lockOpts := []locks.Option{locks.WithTTL(cfg.LockTTL), locks.WithQuarantine(crdb.NewQuarantine(pool))}
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		lockOpts = append(lockOpts,
			locks.WithGuard(redisadapter.NewShowtimeGuard(redisClient, 5*time.Second)),
			locks.WithCache(redisadapter.NewCache(redisClient, cfg.SeatMapCacheTTL)),
			locks.WithQuarantine(redisadapter.NewQuarantine(redisClient)),
		)
	}
	lockManager := locks.NewManager(repo, catalog.NewStatic(), logger, lockOpts...)

	rp := reaper.New(repo, lockManager, cfg.PaymentTimeout, logger, reaper.WithBatch(cfg.ReaperBatch))

	s, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	if _, err := reaper.Schedule(ctx, s, rp, cfg.ReaperInterval); err != nil {
		log.Fatalf("failed to schedule reaper: %v", err)
	}
	s.Start()
	logger.WithField("interval", cfg.ReaperInterval.String()).Info("expiry worker started")

	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		logger.WithError(err).Error("scheduler shutdown failed")
	}
	logger.Info("Shutdown expiry worker")
}
