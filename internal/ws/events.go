package ws

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// Client -> server events.
const (
	EventJoin              = "join"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventMarkRead          = "mark_read"
	EventUpdateStatus      = "update_status"
)

// Server -> client events.
const (
	EventJoinSuccess           = "join_success"
	EventJoinError             = "join_error"
	EventOnlineUsers           = "online_users"
	EventUserOnline            = "user_online"
	EventUserOffline           = "user_offline"
	EventJoinedConversation    = "joined_conversation"
	EventJoinConversationError = "join_conversation_error"
	EventLeftConversation      = "left_conversation"
	EventNewMessage            = "new_message"
	EventMessageNotification   = "message_notification"
	EventMessageSent           = "message_sent"
	EventMessageError          = "message_error"
	EventUserTyping            = "user_typing"
	EventMessagesRead          = "messages_read"
	EventMarkReadError         = "mark_read_error"
	EventUserStatusUpdate      = "user_status_update"
	EventError                 = "error"
)

// Envelope is the framing for every websocket message in both
// directions: a named event plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	UserID      string      `json:"userId"`
	Role        models.Role `json:"role"`
	DisplayName string      `json:"displayName"`
}

func (p *JoinPayload) Validate() error {
	if p.UserID == "" || p.Role == "" || p.DisplayName == "" {
		return errors.ErrInvalidJoinData
	}
	if !p.Role.Valid() {
		return errors.ErrInvalidRole
	}
	return nil
}

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

func (p *ConversationPayload) Validate() error {
	if p.ConversationID == "" {
		return errors.ErrInvalidConversationID
	}
	return nil
}

type SendMessagePayload struct {
	SenderID          string             `json:"senderId"`
	SenderRole        models.Role        `json:"senderRole"`
	RecipientID       string             `json:"recipientId"`
	Message           string             `json:"message"`
	MessageType       models.MessageType `json:"messageType,omitempty"`
	ConversationTitle string             `json:"conversationTitle,omitempty"`
	ClientTempID      string             `json:"clientTempId,omitempty"`
}

// Validate checks fields in a fixed order so each failure mode surfaces
// as its own error: participants, then text, then message type.
func (p *SendMessagePayload) Validate() error {
	if p.SenderID == "" || p.RecipientID == "" {
		return errors.ErrMissingParticipant
	}
	if strings.TrimSpace(p.Message) == "" {
		return errors.ErrEmptyMessage
	}
	if p.MessageType == "" {
		p.MessageType = models.MessageTypeText
	}
	if !p.MessageType.Valid() {
		return errors.ErrInvalidMessageType
	}
	if !p.SenderRole.Valid() {
		return errors.ErrInvalidRole
	}
	return nil
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	ConversationID string      `json:"conversationId"`
	UserID         string      `json:"userId"`
	Role           models.Role `json:"role"`
}

func (p *MarkReadPayload) Validate() error {
	if p.ConversationID == "" || p.UserID == "" || p.Role == "" {
		return errors.ErrMissingReadData
	}
	if !p.Role.Valid() {
		return errors.ErrInvalidRole
	}
	return nil
}

type UpdateStatusPayload struct {
	Status string `json:"status"`
}

type JoinSuccessPayload struct {
	UserID string `json:"userId"`
}

type PresencePayload struct {
	UserID      string      `json:"userId"`
	Role        models.Role `json:"role,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

type MessageSentPayload struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	ClientTempID   string    `json:"clientTempId,omitempty"`
}

type MessageNotificationPayload struct {
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Preview        string    `json:"preview"`
	Timestamp      time.Time `json:"timestamp"`
}

type UserTypingPayload struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	IsTyping    bool      `json:"isTyping"`
	Timestamp   time.Time `json:"timestamp"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	MessagesCount  int       `json:"messagesCount"`
}

type StatusUpdatePayload struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorPayload struct {
	Error   string      `json:"error"`
	Code    errors.Code `json:"code,omitempty"`
	Details string      `json:"details,omitempty"`
}

// errorPayloadFor converts a handler error into what the originating
// connection sees. Detail stays server-side except for caller mistakes.
func errorPayloadFor(err error) ErrorPayload {
	code := errors.CodeOf(err)
	if code == errors.CodeInvalidArgument || code == errors.CodeNotFound {
		return ErrorPayload{Error: err.Error(), Code: code}
	}
	if code == errors.CodeUnavailable {
		return ErrorPayload{Error: "failed to save chat data", Code: code}
	}
	return ErrorPayload{Error: "internal error", Code: errors.CodeUnknown}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
