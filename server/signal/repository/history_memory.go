package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"rtc_server/server/signal/domain"
)

type MemoryHistoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]domain.SealedCallRecord
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{records: map[string]map[string]domain.SealedCallRecord{}}
}

func (s *MemoryHistoryStore) Put(_ context.Context, rec domain.SealedCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.records[rec.UserID]
	if byID == nil {
		byID = map[string]domain.SealedCallRecord{}
		s.records[rec.UserID] = byID
	}
	rec.Data = append([]byte(nil), rec.Data...)
	byID[rec.RecordID] = rec
	return nil
}

func (s *MemoryHistoryStore) List(_ context.Context, userID string) ([]domain.SealedCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SealedCallRecord, 0, len(s.records[userID]))
	for _, rec := range s.records[userID] {
		rec.Data = append([]byte(nil), rec.Data...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].RecordID > out[j].RecordID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

func (s *MemoryHistoryStore) DeleteUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records[userID])
	delete(s.records, userID)
	return n, nil
}

func (s *MemoryHistoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byID := range s.records {
		for id, rec := range byID {
			if rec.StartTime.Before(cutoff) {
				delete(byID, id)
				n++
			}
		}
	}
	return n, nil
}
