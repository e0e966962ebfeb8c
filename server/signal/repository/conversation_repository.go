package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rtc_server/server/signal/domain"
)

// ConversationSchema creates the tables ConversationRepository reads and
// writes. Statements are idempotent.
var ConversationSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		admin_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		direct_key TEXT UNIQUE,
		last_seq BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		position INT NOT NULL DEFAULT 0,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user ON conversation_participants(user_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		sender_id TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		media JSONB,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (conversation_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		read_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
}

const conversationColumns = `
	c.conversation_id, c.is_group, c.admin_id, c.name, c.created_at, c.updated_at,
	ARRAY(
		SELECT p2.user_id FROM conversation_participants p2
		WHERE p2.conversation_id = c.conversation_id
		ORDER BY p2.position, p2.joined_at, p2.user_id
	)`

const messageColumns = `message_id, conversation_id, seq, sender_id, body, media, is_read, read_at, created_at`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	var key *string
	if !conv.IsGroup {
		if len(conv.ParticipantIDs) != 2 {
			return domain.Conversation{}, fmt.Errorf("%w: direct conversation needs two participants", domain.ErrInvalidArgument)
		}
		k := directKey(conv.ParticipantIDs[0], conv.ParticipantIDs[1])
		key = &k
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Conversation{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations(conversation_id, is_group, admin_id, name, direct_key, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, conv.ConversationID, conv.IsGroup, conv.AdminID, conv.Name, key, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return domain.Conversation{}, err
	}
	if err := insertParticipants(ctx, tx, conv.ConversationID, conv.ParticipantIDs); err != nil {
		return domain.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func insertParticipants(ctx context.Context, tx pgx.Tx, conversationID string, userIDs []string) error {
	for i, userID := range userIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants(conversation_id, user_id, position)
			VALUES($1, $2, $3)
			ON CONFLICT (conversation_id, user_id) DO UPDATE SET position = EXCLUDED.position
		`, conversationID, userID, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *ConversationRepository) FindDirect(ctx context.Context, userA, userB string) (domain.Conversation, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.direct_key=$1`, directKey(userA, userB))
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations c WHERE c.conversation_id=$1`, conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return conv, err
}

func (r *ConversationRepository) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE conversations SET admin_id=$2, name=$3, updated_at=$4
		WHERE conversation_id=$1
	`, conv.ConversationID, conv.AdminID, conv.Name, conv.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ConversationID, domain.ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM conversation_participants
		WHERE conversation_id=$1 AND NOT (user_id = ANY($2))
	`, conv.ConversationID, conv.ParticipantIDs); err != nil {
		return err
	}
	if err := insertParticipants(ctx, tx, conv.ConversationID, conv.ParticipantIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ConversationRepository) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.conversation_id
		WHERE p.user_id=$1
		ORDER BY c.updated_at DESC, c.conversation_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

func (r *ConversationRepository) Peers(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p2.user_id
		FROM conversation_participants p1
		JOIN conversation_participants p2 ON p2.conversation_id = p1.conversation_id
		WHERE p1.user_id=$1 AND p2.user_id <> $1
		ORDER BY p2.user_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	return items, rows.Err()
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	media, err := encodeMedia(msg.Media)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE conversations SET last_seq = last_seq + 1, updated_at=$2
		WHERE conversation_id=$1
		RETURNING last_seq
	`, msg.ConversationID, msg.CreatedAt).Scan(&msg.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages(message_id, conversation_id, seq, sender_id, body, media, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, msg.MessageID, msg.ConversationID, msg.Seq, msg.SenderID, msg.Body, media, msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ChatMessage{}, err
	}
	msg.IsRead = false
	msg.ReadAt = nil
	return msg, nil
}

func (r *ConversationRepository) GetMessage(ctx context.Context, conversationID, messageID string) (domain.ChatMessage, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND message_id=$2`, conversationID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	return msg, err
}

func (r *ConversationRepository) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]domain.ChatMessage, error) {
	base := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=$1`
	args := []any{conversationID}
	if beforeSeq > 0 {
		base += ` AND seq < $2 ORDER BY seq DESC LIMIT $3`
		args = append(args, beforeSeq, limit)
	} else {
		base += ` ORDER BY seq DESC LIMIT $2`
		args = append(args, limit)
	}
	return r.queryMessages(ctx, base, args...)
}

func (r *ConversationRepository) LatestMessage(ctx context.Context, conversationID string) (domain.ChatMessage, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY seq DESC LIMIT 1`, conversationID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ChatMessage{}, false, nil
	}
	if err != nil {
		return domain.ChatMessage{}, false, err
	}
	return msg, true, nil
}

// MarkRead inserts read receipts for readerID and flags the messages read on
// first receipt. Only messages newly read by readerID are returned.
func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, readerID string, upToSeq int64, readAt time.Time) ([]domain.ChatMessage, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		WITH target AS (
			SELECT m.message_id
			FROM messages m
			WHERE m.conversation_id=$1
			  AND m.sender_id <> $2
			  AND ($3::bigint = 0 OR m.seq <= $3::bigint)
			  AND NOT EXISTS (
				SELECT 1 FROM message_reads r
				WHERE r.message_id = m.message_id AND r.user_id=$2
			  )
		), receipts AS (
			INSERT INTO message_reads(message_id, user_id, read_at)
			SELECT message_id, $2, $4 FROM target
			ON CONFLICT (message_id, user_id) DO NOTHING
			RETURNING message_id
		)
		UPDATE messages m
		SET is_read = TRUE, read_at = COALESCE(m.read_at, $4)
		FROM receipts
		WHERE m.message_id = receipts.message_id
		RETURNING m.message_id, m.conversation_id, m.seq, m.sender_id, m.body, m.media, m.is_read, m.read_at, m.created_at
	`, conversationID, readerID, upToSeq, readAt)
	if err != nil {
		return nil, err
	}
	items, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	sortBySeq(items)
	return items, nil
}

func (r *ConversationRepository) UnreadCount(ctx context.Context, conversationID, readerID string) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id=$1 AND m.sender_id <> $2
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r
			WHERE r.message_id = m.message_id AND r.user_id=$2
		  )
	`, conversationID, readerID).Scan(&n)
	return n, err
}

func (r *ConversationRepository) UnreadCounts(ctx context.Context, readerID string) ([]domain.ConversationUnread, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.conversation_id, COUNT(m.message_id)
		FROM conversation_participants p
		LEFT JOIN messages m
		  ON m.conversation_id = p.conversation_id
		 AND m.sender_id <> $1
		 AND NOT EXISTS (
			SELECT 1 FROM message_reads r
			WHERE r.message_id = m.message_id AND r.user_id=$1
		 )
		WHERE p.user_id=$1
		GROUP BY p.conversation_id
		ORDER BY p.conversation_id
	`, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ConversationUnread, 0)
	for rows.Next() {
		var item domain.ConversationUnread
		if err := rows.Scan(&item.ConversationID, &item.UnreadCount); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *ConversationRepository) queryMessages(ctx context.Context, sql string, args ...any) ([]domain.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]domain.ChatMessage, error) {
	defer rows.Close()
	items := make([]domain.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var conv domain.Conversation
	err := row.Scan(&conv.ConversationID, &conv.IsGroup, &conv.AdminID, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt, &conv.ParticipantIDs)
	return conv, err
}

func scanMessage(row pgx.Row) (domain.ChatMessage, error) {
	var (
		msg   domain.ChatMessage
		media []byte
	)
	if err := row.Scan(&msg.MessageID, &msg.ConversationID, &msg.Seq, &msg.SenderID, &msg.Body, &media, &msg.IsRead, &msg.ReadAt, &msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	if len(media) > 0 {
		var m domain.Media
		if err := json.Unmarshal(media, &m); err != nil {
			return domain.ChatMessage{}, fmt.Errorf("decode media for message %s: %w", msg.MessageID, err)
		}
		msg.Media = &m
	}
	return msg, nil
}

func encodeMedia(m *domain.Media) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func sortBySeq(items []domain.ChatMessage) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
}
