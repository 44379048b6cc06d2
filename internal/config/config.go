package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	CRDBDSN              string
	MongoURI             string
	MongoDatabase        string
	RedisAddr            string
	RabbitURL            string
	JWTSecret            string
	PaymentWebhookSecret string
	LockTTL              time.Duration
	PaymentTimeout       time.Duration
	ReaperInterval       time.Duration
	ReaperBatch          int
	SeatMapCacheTTL      time.Duration
	IdempotencyTTL       time.Duration
	OTLPEndpoint         string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		CRDBDSN:              os.Getenv("CRDB_DSN"),
		MongoURI:             os.Getenv("MONGO_URI"),
		MongoDatabase:        getenv("MONGO_DATABASE", "cinema"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RabbitURL:            os.Getenv("RABBIT_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		ReaperBatch:          500,
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	durations := []struct {
		env string
		dst *time.Duration
		def time.Duration
	}{
		{"LOCK_TTL", &cfg.LockTTL, 10 * time.Minute},
		{"PAYMENT_TIMEOUT", &cfg.PaymentTimeout, 15 * time.Minute},
		{"REAPER_INTERVAL", &cfg.ReaperInterval, 5 * time.Second},
		{"SEATMAP_CACHE_TTL", &cfg.SeatMapCacheTTL, 2 * time.Second},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL, time.Hour},
	}
	for _, d := range durations {
		v, err := parseDuration(d.env, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if raw := os.Getenv("REAPER_BATCH"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, errors.Newf("REAPER_BATCH must be a positive integer, got %q", raw)
		}
		cfg.ReaperBatch = n
	}

	return cfg, nil
}

// Validate checks the settings the API process cannot start without. Without
// CRDB_DSN the API runs on the in-memory store.
func (c *Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.PaymentWebhookSecret == "" {
		missing = append(missing, "PAYMENT_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return errors.Newf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", key)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}
