package ws

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/internal/storage"
	"github.com/rentscape/chat-backend/pkg/errors"
)

const notificationPreviewLen = 120

// Relay validates, persists and fans out chat traffic. It is the only
// component allowed to auto-subscribe connections to a room without an
// explicit client request.
type Relay struct {
	hub            *Hub
	store          storage.ChatStore
	unread         storage.UnreadCache
	persistTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewRelay(hub *Hub, store storage.ChatStore, unread storage.UnreadCache, persistTimeout time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	return &Relay{
		hub:            hub,
		store:          store,
		unread:         unread,
		persistTimeout: persistTimeout,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SendMessage runs the full relay pipeline for one inbound message:
// validate, recompute the canonical conversation id, auto-subscribe
// both sides, persist, update the conversation summary, then fan out.
// A persistence failure aborts before any fan-out happens.
func (r *Relay) SendMessage(c *Client, p SendMessagePayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	// The client may carry its own conversation id; it is never
	// trusted. Both participants' ids pin the conversation.
	conversationID := ConversationID(p.SenderID, p.RecipientID)

	if err := r.hub.JoinRoom(c, conversationID); err != nil {
		return err
	}
	r.hub.SubscribeUser(conversationID, p.RecipientID)

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		RecipientID:    p.RecipientID,
		SenderRole:     p.SenderRole,
		Text:           strings.TrimSpace(p.Message),
		Type:           p.MessageType,
		Timestamp:      r.now(),
		IsRead:         false,
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()

	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("save message", "conversation_id", conversationID, "err", err)
		return errors.ErrPersistenceFailed(err)
	}
	if err := r.store.ApplyMessage(ctx, msg, p.ConversationTitle); err != nil {
		r.logger.Error("apply message to conversation", "conversation_id", conversationID, "err", err)
		return errors.ErrPersistenceFailed(err)
	}

	r.invalidateUnread(p.RecipientID, p.SenderRole.Counterpart())

	if !r.hub.DeliverToRoom(conversationID, p.RecipientID, EventNewMessage, msg) {
		// Recipient never made it into the room (offline, or raced the
		// auto-subscribe). Push straight to their personal channel.
		r.hub.EmitToUser(p.RecipientID, EventNewMessage, msg)
	}
	r.hub.EmitToUser(p.RecipientID, EventMessageNotification, MessageNotificationPayload{
		ConversationID: conversationID,
		SenderID:       p.SenderID,
		SenderName:     r.displayNameFor(p.SenderID),
		Preview:        preview(msg.Text),
		Timestamp:      msg.Timestamp,
	})
	c.emit(EventMessageSent, MessageSentPayload{
		MessageID:      msg.ID,
		ConversationID: conversationID,
		Timestamp:      msg.Timestamp,
		ClientTempID:   p.ClientTempID,
	})
	return nil
}

// MarkRead flips the reader's unread messages, zeroes their counter and
// tells the room, so the other side can render read receipts.
func (r *Relay) MarkRead(c *Client, p MarkReadPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}

	readAt := r.now()
	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()

	count, err := r.store.MarkMessagesRead(ctx, p.ConversationID, p.UserID, readAt)
	if err != nil {
		r.logger.Error("mark messages read", "conversation_id", p.ConversationID, "err", err)
		return errors.ErrPersistenceFailed(err)
	}
	if err := r.store.ResetUnread(ctx, p.ConversationID, p.Role); err != nil {
		r.logger.Error("reset unread", "conversation_id", p.ConversationID, "err", err)
		return errors.ErrPersistenceFailed(err)
	}
	if err := r.store.TouchLastSeen(ctx, p.ConversationID, p.UserID, readAt); err != nil {
		// Audit data only, not worth failing the read receipt.
		r.logger.Warn("touch last seen", "conversation_id", p.ConversationID, "err", err)
	}

	r.invalidateUnread(p.UserID, p.Role)

	r.hub.EmitToRoom(p.ConversationID, EventMessagesRead, MessagesReadPayload{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		ReadAt:         readAt,
		MessagesCount:  count,
	}, nil)
	return nil
}

// Typing relays an ephemeral typing indicator to everyone else in the
// room. Nothing is persisted and missing data drops the event silently.
func (r *Relay) Typing(c *Client, p TypingPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		return
	}
	r.hub.EmitToRoom(p.ConversationID, EventUserTyping, UserTypingPayload{
		UserID:      p.UserID,
		DisplayName: r.displayNameFor(p.UserID),
		IsTyping:    p.IsTyping,
		Timestamp:   r.now(),
	}, c)
}

// UpdateStatus broadcasts a presence status change. Unknown status
// values are ignored without an error.
func (r *Relay) UpdateStatus(c *Client, p UpdateStatusPayload) {
	userID, ok := r.hub.SetStatus(c, p.Status)
	if !ok {
		return
	}
	r.hub.Broadcast(EventUserStatusUpdate, StatusUpdatePayload{
		UserID:    userID,
		Status:    p.Status,
		Timestamp: r.now(),
	}, c)
}

func (r *Relay) displayNameFor(userID string) string {
	if name, ok := r.hub.DisplayName(userID); ok {
		return name
	}
	return userID
}

func (r *Relay) invalidateUnread(userID string, role models.Role) {
	if r.unread == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
	defer cancel()
	if err := r.unread.Invalidate(ctx, userID, role); err != nil {
		r.logger.Warn("invalidate unread cache", "user_id", userID, "err", err)
	}
}

func preview(text string) string {
	if len(text) <= notificationPreviewLen {
		return text
	}
	// Back the cut up to a rune start so the preview never ends in a
	// split multi-byte character.
	cut := notificationPreviewLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
