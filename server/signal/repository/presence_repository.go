package repository

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rtc_server/server/signal/domain"
)

const presenceKeyPrefix = "rtc:presence:"

// RedisPresenceStore keeps one hash per user so presence survives a restart
// and can be read by other instances.
type RedisPresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceStore(client *redis.Client, ttl time.Duration) *RedisPresenceStore {
	return &RedisPresenceStore{client: client, ttl: ttl}
}

func (s *RedisPresenceStore) Get(ctx context.Context, userID string) (domain.PresenceRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return domain.PresenceRecord{}, false, err
	}
	if len(fields) == 0 {
		return domain.PresenceRecord{}, false, nil
	}
	rec := domain.PresenceRecord{
		UserID:   userID,
		IsOnline: fields["is_online"] == "1",
		Status:   domain.Status(fields["status"]),
	}
	if raw := fields["last_seen"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.LastSeen = time.UnixMilli(ms).UTC()
		}
	}
	return rec, true, nil
}

func (s *RedisPresenceStore) Put(ctx context.Context, rec domain.PresenceRecord) error {
	online := "0"
	if rec.IsOnline {
		online = "1"
	}
	key := presenceKeyPrefix + rec.UserID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"is_online", online,
		"status", string(rec.Status),
		"last_seen", strconv.FormatInt(rec.LastSeen.UnixMilli(), 10),
	)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

type MemoryPresenceStore struct {
	mu      sync.RWMutex
	records map[string]domain.PresenceRecord
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{records: map[string]domain.PresenceRecord{}}
}

func (s *MemoryPresenceStore) Get(_ context.Context, userID string) (domain.PresenceRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	return rec, ok, nil
}

func (s *MemoryPresenceStore) Put(_ context.Context, rec domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = rec
	return nil
}
