package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/service"
)

func memoryConfig() Config {
	return Config{
		Env:               "dev",
		Port:              "0",
		JWTSecret:         "test-secret",
		JWTTTLMinutes:     5,
		Store:             StoreMemory,
		HistoryBackend:    StoreMemory,
		HistoryCipher:     "xchacha",
		HistoryKeyID:      "test",
		HistoryQueueSize:  8,
		RingTimeout:       time.Second,
		ResolvedRetention: time.Minute,
		WSSendBuffer:      8,
		WSRateLimit:       10,
		WSRateBurst:       10,
	}
}

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("RTC_STORE", "postgres")
	t.Setenv("RING_TIMEOUT", "45")
	t.Setenv("WS_RATE_LIMIT", "2.5")
	t.Setenv("HISTORY_RETENTION_DAYS", "0")
	t.Setenv("PRESENCE_TTL", "1h")

	cfg := LoadConfig()
	require.Equal(t, StorePostgres, cfg.Store)
	require.Equal(t, 45*time.Second, cfg.RingTimeout)
	require.Equal(t, 2.5, cfg.WSRateLimit)
	require.Equal(t, 0, cfg.HistoryRetentionDays)
	require.Equal(t, time.Hour, cfg.PresenceTTL)
	require.Equal(t, service.DefaultResolvedRetention, cfg.ResolvedRetention)
}

func TestNewServerWithMemoryBackends(t *testing.T) {
	s, err := NewServer(memoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.Nil(t, s.Redis)
	require.Nil(t, s.Postgres)
	require.Nil(t, s.Pebble)

	rec := httptest.NewRecorder()
	s.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewServerWithPebbleHistory(t *testing.T) {
	cfg := memoryConfig()
	cfg.HistoryBackend = StorePebble
	cfg.HistoryPath = t.TempDir()

	s, err := NewServer(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.Pebble)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = "mysql"
	_, err := NewServer(cfg)
	require.ErrorContains(t, err, "RTC_STORE")

	cfg = memoryConfig()
	cfg.HistoryBackend = "s3"
	_, err = NewServer(cfg)
	require.ErrorContains(t, err, "HISTORY_BACKEND")

	cfg = memoryConfig()
	cfg.Env = "prod"
	_, err = NewServer(cfg)
	require.ErrorContains(t, err, "HISTORY_KEY")
}
