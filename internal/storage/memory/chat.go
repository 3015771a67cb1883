package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// ChatStore keeps conversations and messages in process memory. It
// backs tests and local development; production runs use the postgres
// store behind the same interface.
type ChatStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation // conversationID -> conversation
	messages      map[string][]*models.Message    // conversationID -> messages, oldest first
}

func NewChatStore() *ChatStore {
	return &ChatStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (s *ChatStore) StartConversation(_ context.Context, conversationID, userID, ownerID, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok {
		return copyConversation(conv), nil
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:      conversationID,
		UserID:  userID,
		OwnerID: ownerID,
		Title:   title,
		Participants: []models.Participant{
			{UserID: userID, Role: models.RoleUser},
			{UserID: ownerID, Role: models.RoleOwner},
		},
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conversationID] = conv
	return copyConversation(conv), nil
}

func (s *ChatStore) GetConversation(_ context.Context, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, errors.ErrConversationNotFound
	}
	return copyConversation(conv), nil
}

func (s *ChatStore) SaveMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &stored)
	return nil
}

// ApplyMessage updates the conversation summary under the store lock,
// so two near-simultaneous messages can never lose an unread increment.
func (s *ChatStore) ApplyMessage(_ context.Context, msg *models.Message, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ownerID := msg.SenderID, msg.RecipientID
	if msg.SenderRole == models.RoleOwner {
		userID, ownerID = msg.RecipientID, msg.SenderID
	}

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		conv = &models.Conversation{
			ID:      msg.ConversationID,
			UserID:  userID,
			OwnerID: ownerID,
			Title:   title,
			Participants: []models.Participant{
				{UserID: userID, Role: models.RoleUser},
				{UserID: ownerID, Role: models.RoleOwner},
			},
			CreatedAt: msg.Timestamp,
		}
		s.conversations[msg.ConversationID] = conv
	}

	conv.LastMessage = msg.Text
	conv.LastMessageTime = msg.Timestamp
	conv.LastMessageSender = msg.SenderID
	conv.IsActive = true
	conv.UpdatedAt = msg.Timestamp
	if msg.SenderRole.Counterpart() == models.RoleOwner {
		conv.UnreadOwner++
	} else {
		conv.UnreadUser++
	}
	return nil
}

func (s *ChatStore) MarkMessagesRead(_ context.Context, conversationID, readerID string, readAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, msg := range s.messages[conversationID] {
		if msg.RecipientID != readerID || msg.IsRead {
			continue
		}
		msg.IsRead = true
		at := readAt
		msg.ReadAt = &at
		count++
	}
	return count, nil
}

func (s *ChatStore) ResetUnread(_ context.Context, conversationID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.ErrConversationNotFound
	}
	if role == models.RoleOwner {
		conv.UnreadOwner = 0
	} else {
		conv.UnreadUser = 0
	}
	return nil
}

func (s *ChatStore) TouchLastSeen(_ context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.ErrConversationNotFound
	}
	for i := range conv.Participants {
		if conv.Participants[i].UserID == userID {
			conv.Participants[i].LastSeen = at
		}
	}
	return nil
}

func (s *ChatStore) ListConversations(_ context.Context, userID string, role models.Role, limit, offset int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range s.conversations {
		if !conv.IsActive {
			continue
		}
		if conv.ParticipantID(role) != userID {
			continue
		}
		out = append(out, copyConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return paginate(out, limit, offset), nil
}

func (s *ChatStore) ListMessages(_ context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		out = append(out, &copied)
	}
	return paginate(out, limit, offset), nil
}

func (s *ChatStore) UnreadTotal(_ context.Context, userID string, role models.Role) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, conv := range s.conversations {
		if !conv.IsActive || conv.ParticipantID(role) != userID {
			continue
		}
		total += conv.UnreadFor(role)
	}
	return total, nil
}

func (s *ChatStore) DeactivateConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return errors.ErrConversationNotFound
	}
	conv.IsActive = false
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func copyConversation(conv *models.Conversation) *models.Conversation {
	copied := *conv
	copied.Participants = append([]models.Participant(nil), conv.Participants...)
	return &copied
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
