package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rtc_server/server/signal/domain"
)

var HistorySchema = []string{
	`CREATE TABLE IF NOT EXISTS call_history (
		user_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		payload BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_user_start ON call_history(user_id, start_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_start ON call_history(start_time)`,
}

// PostgresHistoryStore keeps sealed call records in call_history. Payloads
// are opaque ciphertext.
type PostgresHistoryStore struct {
	pool *pgxpool.Pool
}

func NewPostgresHistoryStore(pool *pgxpool.Pool) *PostgresHistoryStore {
	return &PostgresHistoryStore{pool: pool}
}

func (s *PostgresHistoryStore) Put(ctx context.Context, rec domain.SealedCallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_history(user_id, record_id, start_time, payload)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (user_id, record_id)
		DO UPDATE SET start_time=EXCLUDED.start_time, payload=EXCLUDED.payload
	`, rec.UserID, rec.RecordID, rec.StartTime, rec.Data)
	return err
}

func (s *PostgresHistoryStore) List(ctx context.Context, userID string) ([]domain.SealedCallRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, start_time, payload
		FROM call_history
		WHERE user_id=$1
		ORDER BY start_time DESC, record_id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SealedCallRecord, 0)
	for rows.Next() {
		rec := domain.SealedCallRecord{UserID: userID}
		if err := rows.Scan(&rec.RecordID, &rec.StartTime, &rec.Data); err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (s *PostgresHistoryStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM call_history WHERE user_id=$1`, userID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *PostgresHistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	cmd, err := s.pool.Exec(ctx, `DELETE FROM call_history WHERE start_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}
