package config_test

import (
	"testing"
	"time"

	"github.com/robertarktes/cinema-seat-booking/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"LOCK_TTL", "PAYMENT_TIMEOUT", "REAPER_INTERVAL", "REAPER_BATCH", "HTTP_ADDR", "JWT_SECRET", "PAYMENT_WEBHOOK_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10*time.Minute, cfg.LockTTL)
	assert.Equal(t, 15*time.Minute, cfg.PaymentTimeout)
	assert.Equal(t, 500, cfg.ReaperBatch)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "PAYMENT_WEBHOOK_SECRET")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOCK_TTL", "90s")
	t.Setenv("REAPER_BATCH", "25")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "w")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 25, cfg.ReaperBatch)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("LOCK_TTL", "-1m")
	_, err := config.Load()
	assert.Error(t, err)

	t.Setenv("LOCK_TTL", "")
	t.Setenv("REAPER_BATCH", "many")
	_, err = config.Load()
	assert.Error(t, err)
}
