package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtc_server/server/signal/domain"
)

func TestRedisPresenceStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisPresenceStore(client, time.Hour)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	seen := time.Date(2026, 4, 2, 10, 30, 0, 123000000, time.UTC)
	require.NoError(t, store.Put(ctx, domain.PresenceRecord{UserID: "alice", IsOnline: true, Status: domain.StatusBusy, LastSeen: seen}))

	rec, ok, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.UserID)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, domain.StatusBusy, rec.Status)
	assert.True(t, rec.LastSeen.Equal(seen))
	assert.Equal(t, time.Hour, mr.TTL(presenceKeyPrefix+"alice"))

	require.NoError(t, store.Put(ctx, domain.PresenceRecord{UserID: "alice", Status: domain.StatusOffline, LastSeen: seen}))
	rec, _, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPresenceStoreReportsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisPresenceStore(client, 0)
	mr.Close()

	_, _, err := store.Get(context.Background(), "alice")
	assert.Error(t, err)
	assert.Error(t, store.Put(context.Background(), domain.PresenceRecord{UserID: "alice"}))
}
