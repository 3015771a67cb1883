package storage

import (
	"context"
	"time"

	"github.com/rentscape/chat-backend/internal/models"
)

// ChatStore is the persistence collaborator for conversations and
// messages. The relay and the REST query surface are its only
// consumers. Implementations must make ApplyMessage atomic per
// conversation record: the summary fields and the unread increment land
// together, never as separate read-modify-write steps.
type ChatStore interface {
	// StartConversation upserts the conversation for a participant pair
	// and returns it. Existing conversations are returned as-is.
	StartConversation(ctx context.Context, conversationID, userID, ownerID, title string) (*models.Conversation, error)

	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)

	// SaveMessage persists a new message exactly as given.
	SaveMessage(ctx context.Context, msg *models.Message) error

	// ApplyMessage upserts the conversation summary for a just-saved
	// message: last-message fields, +1 unread for the recipient role,
	// isActive true.
	ApplyMessage(ctx context.Context, msg *models.Message, title string) error

	// MarkMessagesRead flips every unread message in the conversation
	// addressed to readerID and returns how many actually transitioned.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, readAt time.Time) (int, error)

	// ResetUnread zeroes the unread counter for one side.
	ResetUnread(ctx context.Context, conversationID string, role models.Role) error

	// TouchLastSeen records when a participant last looked at the
	// conversation.
	TouchLastSeen(ctx context.Context, conversationID, userID string, at time.Time) error

	// ListConversations returns a user's active conversations for one
	// role, newest last message first.
	ListConversations(ctx context.Context, userID string, role models.Role, limit, offset int) ([]*models.Conversation, error)

	// ListMessages returns a conversation's messages oldest first.
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error)

	// UnreadTotal aggregates unread counts across a user's active
	// conversations for one role.
	UnreadTotal(ctx context.Context, userID string, role models.Role) (int, error)

	// DeactivateConversation soft-deletes: the conversation disappears
	// from listings, its messages stay.
	DeactivateConversation(ctx context.Context, conversationID string) error
}

// UnreadCache is an optional read-through cache in front of
// ChatStore.UnreadTotal. A nil cache is valid everywhere one is
// accepted.
type UnreadCache interface {
	Get(ctx context.Context, userID string, role models.Role) (int, bool, error)
	Set(ctx context.Context, userID string, role models.Role, total int) error
	Invalidate(ctx context.Context, userID string, role models.Role) error
}
