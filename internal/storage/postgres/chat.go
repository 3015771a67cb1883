package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// ChatStore implements the chat storage interface using PostgreSQL.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore opens the connection pool and verifies connectivity.
func NewChatStore(dataSourceName string) (*ChatStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection for chat: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database for chat: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Println("Successfully connected to PostgreSQL database for chat.")

	return &ChatStore{db: db}, nil
}

// EnsureSchema creates the chat tables when they do not exist yet.
func (s *ChatStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			last_message TEXT NOT NULL DEFAULT '',
			last_message_time TIMESTAMPTZ,
			last_message_sender TEXT NOT NULL DEFAULT '',
			unread_user INTEGER NOT NULL DEFAULT 0,
			unread_owner INTEGER NOT NULL DEFAULT 0,
			user_last_seen TIMESTAMPTZ,
			owner_last_seen TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			message TEXT NOT NULL,
			message_type TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
			ON chat_messages (conversation_id, sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_unread
			ON chat_messages (conversation_id, recipient_id) WHERE NOT is_read`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure chat schema: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, user_id, owner_id, title, last_message, last_message_time,
	last_message_sender, unread_user, unread_owner, user_last_seen, owner_last_seen,
	is_active, created_at, updated_at`

func (s *ChatStore) StartConversation(ctx context.Context, conversationID, userID, ownerID, title string) (*models.Conversation, error) {
	query := `
		INSERT INTO chat_conversations (id, user_id, owner_id, title)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
		RETURNING ` + conversationColumns
	row := s.db.QueryRowContext(ctx, query, conversationID, userID, ownerID, title)
	return scanConversation(row)
}

func (s *ChatStore) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM chat_conversations WHERE id = $1`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, conversationID))
	if err == sql.ErrNoRows {
		return nil, errors.ErrConversationNotFound
	}
	return conv, err
}

func (s *ChatStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO chat_messages (id, conversation_id, sender_id, recipient_id, sender_role, message, message_type, sent_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.RecipientID,
		string(msg.SenderRole), msg.Text, string(msg.Type), msg.Timestamp, msg.IsRead,
	)
	return err
}

// ApplyMessage folds a saved message into the conversation summary with
// a single statement, so the unread increment can never be lost to a
// concurrent writer.
func (s *ChatStore) ApplyMessage(ctx context.Context, msg *models.Message, title string) error {
	userID, ownerID := msg.SenderID, msg.RecipientID
	var deltaUser, deltaOwner int
	if msg.SenderRole == models.RoleOwner {
		userID, ownerID = msg.RecipientID, msg.SenderID
		deltaUser = 1
	} else {
		deltaOwner = 1
	}

	query := `
		INSERT INTO chat_conversations
			(id, user_id, owner_id, title, last_message, last_message_time, last_message_sender,
			 unread_user, unread_owner, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			last_message = EXCLUDED.last_message,
			last_message_time = EXCLUDED.last_message_time,
			last_message_sender = EXCLUDED.last_message_sender,
			unread_user = chat_conversations.unread_user + $8,
			unread_owner = chat_conversations.unread_owner + $9,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ConversationID, userID, ownerID, title,
		msg.Text, msg.Timestamp, msg.SenderID, deltaUser, deltaOwner,
	)
	return err
}

func (s *ChatStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, readAt time.Time) (int, error) {
	query := `
		UPDATE chat_messages
		SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1 AND recipient_id = $2 AND NOT is_read
	`
	res, err := s.db.ExecContext(ctx, query, conversationID, readerID, readAt)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *ChatStore) ResetUnread(ctx context.Context, conversationID string, role models.Role) error {
	column := "unread_user"
	if role == models.RoleOwner {
		column = "unread_owner"
	}
	query := fmt.Sprintf(`UPDATE chat_conversations SET %s = 0, updated_at = NOW() WHERE id = $1`, column)
	_, err := s.db.ExecContext(ctx, query, conversationID)
	return err
}

func (s *ChatStore) TouchLastSeen(ctx context.Context, conversationID, userID string, at time.Time) error {
	query := `
		UPDATE chat_conversations SET
			user_last_seen = CASE WHEN user_id = $2 THEN $3 ELSE user_last_seen END,
			owner_last_seen = CASE WHEN owner_id = $2 THEN $3 ELSE owner_last_seen END
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, conversationID, userID, at)
	return err
}

func (s *ChatStore) ListConversations(ctx context.Context, userID string, role models.Role, limit, offset int) ([]*models.Conversation, error) {
	column := "user_id"
	if role == models.RoleOwner {
		column = "owner_id"
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT `+conversationColumns+`
		FROM chat_conversations
		WHERE %s = $1 AND is_active
		ORDER BY last_message_time DESC NULLS LAST
		LIMIT $2 OFFSET $3
	`, column)

	rows, err := s.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *ChatStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, conversation_id, sender_id, recipient_id, sender_role, message, message_type, sent_at, is_read, read_at
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role, msgType string
		var readAt sql.NullTime
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.RecipientID,
			&role, &msg.Text, &msgType, &msg.Timestamp, &msg.IsRead, &readAt,
		)
		if err != nil {
			return nil, err
		}
		msg.SenderRole = models.Role(role)
		msg.Type = models.MessageType(msgType)
		if readAt.Valid {
			t := readAt.Time
			msg.ReadAt = &t
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *ChatStore) UnreadTotal(ctx context.Context, userID string, role models.Role) (int, error) {
	idColumn, unreadColumn := "user_id", "unread_user"
	if role == models.RoleOwner {
		idColumn, unreadColumn = "owner_id", "unread_owner"
	}
	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(%s), 0) FROM chat_conversations WHERE %s = $1 AND is_active
	`, unreadColumn, idColumn)

	var total int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&total)
	return total, err
}

func (s *ChatStore) DeactivateConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_conversations SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.ErrConversationNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *ChatStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var lastMessageTime, userLastSeen, ownerLastSeen sql.NullTime
	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.OwnerID, &conv.Title,
		&conv.LastMessage, &lastMessageTime, &conv.LastMessageSender,
		&conv.UnreadUser, &conv.UnreadOwner,
		&userLastSeen, &ownerLastSeen,
		&conv.IsActive, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastMessageTime.Valid {
		conv.LastMessageTime = lastMessageTime.Time
	}
	conv.Participants = []models.Participant{
		{UserID: conv.UserID, Role: models.RoleUser, LastSeen: userLastSeen.Time},
		{UserID: conv.OwnerID, Role: models.RoleOwner, LastSeen: ownerLastSeen.Time},
	}
	return conv, nil
}
