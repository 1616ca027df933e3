package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx operations the store needs.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages conversation persistence with a PostgreSQL backend.
// Each write is scoped to a single row; the store relies on row-level
// atomicity rather than multi-row transactions.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     DBTX
	logger *slog.Logger
}

// NewStore creates a Store. logger may be nil (defaults to slog.Default).
func NewStore(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// CreateConversation creates a conversation for a user. metadata may be nil.
func (s *Store) CreateConversation(ctx context.Context, userID string, metadata map[string]any) (*Conversation, error) {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{UserID: userID, Metadata: metadata, IsActive: true}
	err = s.db.QueryRow(ctx, `
		INSERT INTO conversations (user_id, metadata)
		VALUES ($1, $2)
		RETURNING id, created_at, updated_at`,
		userID, metaJSON,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", userID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(title, ''), metadata, is_active, created_at, updated_at
		FROM conversations
		WHERE id = $1`, id)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListConversations lists a user's active conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int32) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, COALESCE(title, ''), metadata, is_active, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND is_active
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateTitle sets the conversation title.
func (s *Store) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
		id, title)
	if err != nil {
		return fmt.Errorf("updating title for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateMetadata replaces the conversation metadata map.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET metadata = $2, updated_at = now() WHERE id = $1`,
		id, metaJSON)
	if err != nil {
		return fmt.Errorf("updating metadata for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// Deactivate soft-deletes a conversation.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivating conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateMessage inserts a message row. The caller controls IsComplete: user
// messages are written complete, assistant placeholders incomplete. The
// conversation's updated_at is bumped best-effort.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}

	metaJSON, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	created := *msg
	err = s.db.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, metadata, is_complete)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		msg.ConversationID, msg.Role, msg.Content, metaJSON, msg.IsComplete,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE conversations SET updated_at = now() WHERE id = $1`,
		msg.ConversationID); err != nil {
		s.logger.Warn("touching conversation", "id", msg.ConversationID, "error", err)
	}

	s.logger.Debug("created message",
		"id", created.ID,
		"conversation_id", created.ConversationID,
		"role", created.Role,
		"is_complete", created.IsComplete)
	return &created, nil
}

// CompleteMessage finalizes a placeholder row with its definitive content and
// metadata and flips is_complete. This is the only write to an assistant row
// after creation; streaming deltas are never persisted individually.
func (s *Store) CompleteMessage(ctx context.Context, id uuid.UUID, content string, metadata map[string]any) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET content = $2, metadata = $3, is_complete = TRUE, updated_at = now()
		WHERE id = $1`,
		id, content, metaJSON)
	if err != nil {
		return fmt.Errorf("completing message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	s.logger.Debug("completed message", "id", id, "content_len", len(content))
	return nil
}

// Messages retrieves all messages of a conversation in creation order,
// including incomplete rows. Intended for UI display, not agent history.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID, limit, offset int32) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, metadata, is_complete, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
}

// History retrieves the newest limit complete messages of a conversation,
// returned oldest first. Incomplete rows (assistant messages still streaming)
// are excluded: they are not yet part of history. Selecting from the newest
// end keeps long conversations from pinning the prompt window to their
// earliest turns.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]*Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT id, conversation_id, role, content, metadata, is_complete, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1 AND is_complete
		ORDER BY created_at DESC
		LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m        Message
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&metaJSON, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			s.logger.Warn("skipping message with malformed metadata", "id", m.ID, "error", err)
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv     Conversation
		metaJSON []byte
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &metaJSON,
		&conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &conv.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling conversation metadata: %w", err)
	}
	return &conv, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return data, nil
}
