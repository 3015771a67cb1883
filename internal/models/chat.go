package models

import "time"

// Role is a participant's fixed position in a conversation. The renter
// side is "user", the listing side is "owner".
type Role string

const (
	RoleUser  Role = "user"
	RoleOwner Role = "owner"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleOwner
}

// Counterpart returns the opposite side of a conversation.
func (r Role) Counterpart() Role {
	if r == RoleUser {
		return RoleOwner
	}
	return RoleUser
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeImage || t == MessageTypeFile
}

// Message is a single persisted chat message. ConversationID is always
// the canonical derivation of sender/recipient ids, never a value taken
// from the client.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	RecipientID    string      `json:"recipient_id"`
	SenderRole     Role        `json:"sender_role"`
	Text           string      `json:"message"`
	Type           MessageType `json:"message_type"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
}

// Participant carries per-side audit state on a conversation.
type Participant struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	LastSeen time.Time `json:"last_seen"`
}

// Conversation is the denormalized thread summary between exactly two
// participants. ID is the canonical pair id and is immutable.
type Conversation struct {
	ID                string        `json:"conversation_id"`
	UserID            string        `json:"user_id"`
	OwnerID           string        `json:"owner_id"`
	Title             string        `json:"title,omitempty"`
	LastMessage       string        `json:"last_message"`
	LastMessageTime   time.Time     `json:"last_message_time"`
	LastMessageSender string        `json:"last_message_sender"`
	UnreadUser        int           `json:"unread_user"`
	UnreadOwner       int           `json:"unread_owner"`
	Participants      []Participant `json:"participants,omitempty"`
	IsActive          bool          `json:"is_active"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// UnreadFor returns the unread counter for one side.
func (c *Conversation) UnreadFor(role Role) int {
	if role == RoleOwner {
		return c.UnreadOwner
	}
	return c.UnreadUser
}

// ParticipantID returns the id of the participant holding the given role.
func (c *Conversation) ParticipantID(role Role) string {
	if role == RoleOwner {
		return c.OwnerID
	}
	return c.UserID
}

// PresenceInfo is the transient, in-memory view of one online user.
// It is never persisted.
type PresenceInfo struct {
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	JoinedAt    time.Time `json:"joined_at"`
}
