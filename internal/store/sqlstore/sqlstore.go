package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/fitcoach/coach-messaging/internal/model"
	"github.com/fitcoach/coach-messaging/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using a database/sql connection.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id
		FROM participants
		WHERE user_id = $1
		ORDER BY conversation_id
	`, userID)
	if err != nil {
		return nil, classify(err)
	}
	return scanIDs(rows)
}

func (s *Store) ConversationsWithMember(ctx context.Context, ids []string, userID string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.conversation_id
		FROM participants p
		JOIN conversations c ON c.id = p.conversation_id
		WHERE p.user_id = $1
			AND NOT c.is_group
			AND p.conversation_id = ANY($2)
		ORDER BY c.created_at, c.id
	`, userID, pq.Array(ids))
	if err != nil {
		return nil, classify(err)
	}
	return scanIDs(rows)
}

func (s *Store) CreateDirectConversation(ctx context.Context, conv *model.Conversation, members [2]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.QueryRowContext(ctx, `
		INSERT INTO conversations (id, is_group, pair_key)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING created_at
	`, conv.ID, conv.IsGroup, conv.PairKey).Scan(&conv.CreatedAt); err != nil {
		return classify(err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id)
		VALUES ($1, $2), ($1, $3)
	`, conv.ID, members[0], members[1]); err != nil {
		return classify(err)
	}

	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, is_group, COALESCE(pair_key, ''), created_at
		FROM conversations
		WHERE id = $1
	`, id).Scan(&conv.ID, &conv.IsGroup, &conv.PairKey, &conv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, classify(err))
	}
	return &conv, nil
}

func (s *Store) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, last_read_at
		FROM participants
		WHERE conversation_id = $1
		ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, last_read_at
		FROM participants
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, fmt.Errorf("participant %s in %s: %w", userID, conversationID, classify(err))
	}
	return p, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, client_id, content)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (conversation_id, sender_id, client_id) WHERE client_id IS NOT NULL DO NOTHING
		RETURNING seq, created_at
	`, msg.ID, msg.ConversationID, nullString(msg.SenderID), msg.ClientID, msg.Content).Scan(&msg.Seq, &msg.CreatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || msg.ClientID == "" || msg.SenderID == nil {
		if isCode(err, codeForeignKeyViolation) {
			return false, fmt.Errorf("conversation %s: %w", msg.ConversationID, model.ErrNotFound)
		}
		return false, classify(err)
	}

	// The client id was already stored by an earlier attempt in this conversation.
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, COALESCE(client_id, ''), content, created_at, seq
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3
	`, msg.ConversationID, *msg.SenderID, msg.ClientID)
	existing, err := scanMessage(row)
	if err != nil {
		return false, classify(err)
	}
	*msg = *existing
	return false, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, before *model.PageCursor, limit int) ([]model.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, COALESCE(client_id, ''), content, created_at, seq
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, sender_id, COALESCE(client_id, ''), content, created_at, seq
			FROM messages
			WHERE conversation_id = $1
				AND (created_at < $2 OR (created_at = $2 AND seq < $3))
			ORDER BY created_at DESC, seq DESC
			LIMIT $4
		`, conversationID, before.Before, before.BeforeSeq, limit)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, classify(err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return messages, nil
}

func (s *Store) AdvanceReadCursor(ctx context.Context, conversationID, userID string) (time.Time, error) {
	var lastReadAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE participants
		SET last_read_at = GREATEST(last_read_at, clock_timestamp())
		WHERE conversation_id = $1 AND user_id = $2
		RETURNING last_read_at
	`, conversationID, userID).Scan(&lastReadAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("participant %s in %s: %w", userID, conversationID, classify(err))
	}
	return lastReadAt, nil
}

func (s *Store) GetProfiles(ctx context.Context, userIDs []string) (map[string]model.Profile, error) {
	out := make(map[string]model.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, avatar_url
		FROM profiles
		WHERE user_id = ANY($1)
	`, pq.Array(userIDs))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, classify(err)
		}
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

func scanParticipant(row scanner) (*model.Participant, error) {
	var (
		p          model.Participant
		lastReadAt sql.NullTime
	)
	if err := row.Scan(&p.ConversationID, &p.UserID, &lastReadAt); err != nil {
		return nil, err
	}
	if lastReadAt.Valid {
		t := lastReadAt.Time
		p.LastReadAt = &t
	}
	return &p, nil
}

func scanMessage(row scanner) (*model.Message, error) {
	var (
		msg      model.Message
		senderID sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &senderID, &msg.ClientID, &msg.Content, &msg.CreatedAt, &msg.Seq); err != nil {
		return nil, err
	}
	if senderID.Valid {
		id := senderID.String
		msg.SenderID = &id
	}
	return &msg, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// classify maps driver errors onto the model error kinds.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return model.ErrNotFound
	case isCode(err, codeUniqueViolation):
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
}

// isCode reports a PostgreSQL error code from either supported driver.
func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
