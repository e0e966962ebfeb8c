package repository

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	commonlog "rtc_server/server/common/log"
	"rtc_server/server/signal/domain"
)

const historyKeyPrefix = "history:"

// PebbleHistoryStore stores sealed call records under
// history:<hex user id>:<start unix nano>:<record id> so a reverse prefix
// scan yields a user's history newest first.
type PebbleHistoryStore struct {
	db *pebble.DB
}

func OpenPebbleHistoryStore(path string) (*PebbleHistoryStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		commonlog.Errorf("event=history_store action=open status=failed backend=pebble path=%s error=%v", path, err)
		return nil, err
	}
	commonlog.Infof("event=history_store action=open status=ok backend=pebble path=%s", path)
	return &PebbleHistoryStore{db: db}, nil
}

func (s *PebbleHistoryStore) Close() error {
	return s.db.Close()
}

func userPrefix(userID string) []byte {
	return []byte(historyKeyPrefix + hex.EncodeToString([]byte(userID)) + ":")
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func historyKey(userID string, start time.Time, recordID string) []byte {
	ts := start.UTC().UnixNano()
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("%s%020d:%s", userPrefix(userID), ts, recordID))
}

// parseHistoryKey splits a key into user id, start time and record id.
func parseHistoryKey(key []byte) (string, time.Time, string, error) {
	rest, ok := strings.CutPrefix(string(key), historyKeyPrefix)
	if !ok {
		return "", time.Time{}, "", fmt.Errorf("not a history key: %q", key)
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return "", time.Time{}, "", fmt.Errorf("malformed history key: %q", key)
	}
	user, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("malformed history key user: %w", err)
	}
	ns, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("malformed history key time: %w", err)
	}
	return string(user), time.Unix(0, ns).UTC(), parts[2], nil
}

func (s *PebbleHistoryStore) Put(_ context.Context, rec domain.SealedCallRecord) error {
	return s.db.Set(historyKey(rec.UserID, rec.StartTime, rec.RecordID), rec.Data, pebble.Sync)
}

func (s *PebbleHistoryStore) List(ctx context.Context, userID string) ([]domain.SealedCallRecord, error) {
	prefix := userPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]domain.SealedCallRecord, 0)
	for valid := iter.Last(); valid; valid = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, start, recordID, err := parseHistoryKey(iter.Key())
		if err != nil {
			commonlog.Warnf("event=history_store action=list status=skipped backend=pebble user_id=%s error=%v", userID, err)
			continue
		}
		out = append(out, domain.SealedCallRecord{
			UserID:    userID,
			RecordID:  recordID,
			StartTime: start,
			Data:      append([]byte(nil), iter.Value()...),
		})
	}
	return out, iter.Error()
}

func (s *PebbleHistoryStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	prefix := userPrefix(userID)
	return s.deleteMatching(ctx, prefix, func([]byte) bool { return true })
}

func (s *PebbleHistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.deleteMatching(ctx, []byte(historyKeyPrefix), func(key []byte) bool {
		_, start, _, err := parseHistoryKey(key)
		return err == nil && start.Before(cutoff)
	})
}

func (s *PebbleHistoryStore) deleteMatching(ctx context.Context, prefix []byte, match func([]byte) bool) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	deleted := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return 0, err
		}
		if !match(iter.Key()) {
			continue
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return 0, err
		}
		deleted++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return deleted, nil
}
