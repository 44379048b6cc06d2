package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/crdb"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/memory"
	mongoadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/mongo"
	"github.com/robertarktes/cinema-seat-booking/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/cinema-seat-booking/internal/adapters/redis"
	"github.com/robertarktes/cinema-seat-booking/internal/booking"
	"github.com/robertarktes/cinema-seat-booking/internal/catalog"
	"github.com/robertarktes/cinema-seat-booking/internal/config"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	httphandler "github.com/robertarktes/cinema-seat-booking/internal/http"
	"github.com/robertarktes/cinema-seat-booking/internal/idempotency"
	"github.com/robertarktes/cinema-seat-booking/internal/locks"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"github.com/robertarktes/cinema-seat-booking/internal/outbox"
	"github.com/robertarktes/cinema-seat-booking/internal/rateLimit"
	"github.com/robertarktes/cinema-seat-booking/internal/reaper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// store is what the API needs from either backing store.
type store interface {
	locks.Store
	booking.Store
	reaper.Store
	outbox.Source
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.SetupOTel(ctx, cfg, "cinema-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()

	// The quarantine lives in Redis when configured, otherwise next to the
	// claims in CockroachDB, so every replica and the expiry worker agree on it.
	var (
		st         store
		ready                       = func(context.Context) error { return nil }
		quarantine locks.Quarantine = locks.NewLocalQuarantine()
	)
	if cfg.CRDBDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
		if err != nil {
			log.Fatalf("failed to connect to crdb: %v", err)
		}
		defer pool.Close()
		repo := crdb.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			log.Fatalf("failed to migrate crdb: %v", err)
		}
		st, ready = repo, repo.Ping
		quarantine = crdb.NewQuarantine(pool)
	} else {
		logger.Warn("CRDB_DSN not set, using the in-memory store")
		var memOpts []memory.Option
		if cfg.RabbitURL == "" {
			// Nothing would ever drain the in-process outbox.
			memOpts = append(memOpts, memory.WithoutOutbox())
		}
		st = memory.NewStore(memOpts...)
	}

	var (
		cat     catalog.Catalog
		auditor *mongoadapter.AuditLogger
	)
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		mongoDB := mongoClient.Database(cfg.MongoDatabase)
		cat = mongoadapter.NewCatalogRepository(mongoDB, logger)
		auditor = mongoadapter.NewAuditLogger(mongoDB, logger)
	} else {
		logger.Warn("MONGO_URI not set, serving the demo catalog")
		cat = catalog.Demo(time.Now())
	}

	lockOpts := []locks.Option{locks.WithTTL(cfg.LockTTL)}
	bookingOpts := []booking.Option{}
	if auditor != nil {
		lockOpts = append(lockOpts, locks.WithAuditor(auditor))
		bookingOpts = append(bookingOpts, booking.WithAuditor(auditor))
	}

	var (
		rl    *rateLimit.RateLimiter
		idemp *idempotency.Idempotency
	)
	if cfg.RedisAddr != "" {
		redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		lockOpts = append(lockOpts,
			locks.WithGuard(redisadapter.NewShowtimeGuard(redisClient, 5*time.Second)),
			locks.WithCache(redisadapter.NewCache(redisClient, cfg.SeatMapCacheTTL)),
		)
		quarantine = redisadapter.NewQuarantine(redisClient)
		idemp = idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
		rl = rateLimit.NewRateLimiter(redisClient, logger)
	}

	lockOpts = append(lockOpts, locks.WithQuarantine(quarantine))
	lockManager := locks.NewManager(st, cat, logger, lockOpts...)
	finalizer := booking.NewFinalizer(st, lockManager, cat, logger, bookingOpts...)

	handlers := httphandler.NewHandlers(lockManager, finalizer, cat, cfg.PaymentWebhookSecret, ready)
	r := httphandler.SetupRouter(handlers, logger, httphandler.RouterConfig{
		JWTSecret:   cfg.JWTSecret,
		RateLimiter: rl,
		Idempotency: idemp,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.RabbitURL != "" {
		conn, err := amqp.Dial(cfg.RabbitURL)
		if err != nil {
			log.Fatalf("failed to connect to rabbitmq: %v", err)
		}
		defer conn.Close()
		consumer, err := rabbit.NewConsumer(conn, rabbit.PaymentResultsQueue, logger)
		if err != nil {
			log.Fatalf("failed to create consumer: %v", err)
		}
		g.Go(func() error {
			return consumer.Run(gctx, func(ctx context.Context, res domain.PaymentResult) error {
				_, err := finalizer.ApplyPayment(ctx, res)
				return err
			})
		})

		// With the in-memory store the outbox lives in this process, so it is
		// drained here instead of by cmd/outbox-publisher.
		if _, inMemory := st.(*memory.Store); inMemory {
			pub, err := rabbit.NewPublisher(conn)
			if err != nil {
				log.Fatalf("failed to create publisher: %v", err)
			}
			publisher := outbox.NewPublisher(st, pub, logger)
			g.Go(func() error {
				publisher.Run(gctx, time.Second)
				return nil
			})
		}
	}

	// Likewise the reaper has to run in-process for the in-memory store.
	if _, inMemory := st.(*memory.Store); inMemory {
		s, err := gocron.NewScheduler()
		if err != nil {
			log.Fatalf("failed to create scheduler: %v", err)
		}
		rp := reaper.New(st, lockManager, cfg.PaymentTimeout, logger, reaper.WithBatch(cfg.ReaperBatch))
		if _, err := reaper.Schedule(gctx, s, rp, cfg.ReaperInterval); err != nil {
			log.Fatalf("failed to schedule reaper: %v", err)
		}
		s.Start()
		defer s.Shutdown()
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("api stopped with error")
		os.Exit(1)
	}
	logger.Info("Server exiting")
}
