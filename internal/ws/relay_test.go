package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/internal/storage"
	"github.com/rentscape/chat-backend/internal/storage/memory"
	"github.com/rentscape/chat-backend/pkg/errors"
)

var errStoreDown = stderrors.New("store down")

// failingChatStore fails the write paths on demand and delegates
// everything else to a real in-memory store.
type failingChatStore struct {
	storage.ChatStore
	failSave  bool
	failApply bool
}

func (s *failingChatStore) SaveMessage(ctx context.Context, msg *models.Message) error {
	if s.failSave {
		return errStoreDown
	}
	return s.ChatStore.SaveMessage(ctx, msg)
}

func (s *failingChatStore) ApplyMessage(ctx context.Context, msg *models.Message, title string) error {
	if s.failApply {
		return errStoreDown
	}
	return s.ChatStore.ApplyMessage(ctx, msg, title)
}

type relayFixture struct {
	hub   *Hub
	relay *Relay
	store *memory.ChatStore
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	hub := NewHub(nil)
	store := memory.NewChatStore()
	relay := NewRelay(hub, store, nil, time.Second, nil)
	return &relayFixture{hub: hub, relay: relay, store: store}
}

func (f *relayFixture) join(t *testing.T, userID string, role models.Role, name string) *Client {
	t.Helper()
	c := newTestClient(f.hub)
	require.NoError(t, f.hub.Register(c, userID, role, name))
	drain(t, c)
	return c
}

func decodeEvent[T any](t *testing.T, envs []Envelope, event string) T {
	t.Helper()
	var out T
	for _, env := range envs {
		if env.Event == event {
			require.NoError(t, json.Unmarshal(env.Data, &out))
			return out
		}
	}
	t.Fatalf("event %s not found", event)
	return out
}

func sendPayload() SendMessagePayload {
	return SendMessagePayload{
		SenderID:     "u1",
		SenderRole:   models.RoleUser,
		RecipientID:  "u2",
		Message:      "hello",
		MessageType:  models.MessageTypeText,
		ClientTempID: "tmp-1",
	}
}

func TestRelaySendMessage(t *testing.T) {
	t.Run("happy path - persists, fans out and acks", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		recipient := f.join(t, "u2", models.RoleOwner, "Bob")

		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))

		// persisted with isRead=false under the canonical id
		msgs, err := f.store.ListMessages(context.Background(), "u1_u2", 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Text)
		assert.False(t, msgs[0].IsRead)

		conv, err := f.store.GetConversation(context.Background(), "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadOwner)
		assert.Equal(t, 0, conv.UnreadUser)
		assert.Equal(t, "hello", conv.LastMessage)
		assert.Equal(t, "u1", conv.LastMessageSender)
		assert.True(t, conv.IsActive)

		senderEvents := drain(t, sender)
		ack := decodeEvent[MessageSentPayload](t, senderEvents, EventMessageSent)
		assert.Equal(t, "tmp-1", ack.ClientTempID)
		assert.Equal(t, "u1_u2", ack.ConversationID)
		assert.Equal(t, 1, countEvents(senderEvents, EventNewMessage))

		// online recipient was auto-subscribed: exactly one copy plus
		// the notification
		recipientEvents := drain(t, recipient)
		assert.Equal(t, 1, countEvents(recipientEvents, EventNewMessage))
		assert.Equal(t, 1, countEvents(recipientEvents, EventMessageNotification))
		msg := decodeEvent[models.Message](t, recipientEvents, EventNewMessage)
		assert.Equal(t, "hello", msg.Text)
		assert.True(t, f.hub.RoomHasUser("u1_u2", "u2"))
	})

	t.Run("client-supplied conversation ids are ignored", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u2", models.RoleOwner, "Bob")

		p := sendPayload()
		p.SenderID, p.RecipientID = "u2", "u1"
		p.SenderRole = models.RoleOwner
		require.NoError(t, f.relay.SendMessage(sender, p))

		// same canonical id regardless of direction
		msgs, err := f.store.ListMessages(context.Background(), "u1_u2", 0, 0)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)

		conv, err := f.store.GetConversation(context.Background(), "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadUser)
	})

	t.Run("whitespace-only message persists nothing", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		recipient := f.join(t, "u2", models.RoleOwner, "Bob")

		p := sendPayload()
		p.Message = "   "
		assert.ErrorIs(t, f.relay.SendMessage(sender, p), errors.ErrEmptyMessage)

		msgs, err := f.store.ListMessages(context.Background(), "u1_u2", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.Empty(t, drain(t, recipient))
	})

	t.Run("missing recipient", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		p := sendPayload()
		p.RecipientID = ""
		assert.ErrorIs(t, f.relay.SendMessage(sender, p), errors.ErrMissingParticipant)
	})

	t.Run("offline recipient still gets the unread increment", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")

		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))

		conv, err := f.store.GetConversation(context.Background(), "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadOwner)
		assert.False(t, f.hub.RoomHasUser("u1_u2", "u2"))
	})

	t.Run("storage failure aborts before any fan-out", func(t *testing.T) {
		cases := []struct {
			name  string
			store *failingChatStore
		}{
			{"save fails", &failingChatStore{ChatStore: memory.NewChatStore(), failSave: true}},
			{"summary upsert fails", &failingChatStore{ChatStore: memory.NewChatStore(), failApply: true}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				hub := NewHub(nil)
				relay := NewRelay(hub, tc.store, nil, time.Second, nil)
				f := &relayFixture{hub: hub, relay: relay}
				sender := f.join(t, "u1", models.RoleUser, "Ann")
				recipient := f.join(t, "u2", models.RoleOwner, "Bob")

				err := relay.SendMessage(sender, sendPayload())
				require.Error(t, err)
				assert.Equal(t, errors.CodeUnavailable, errors.CodeOf(err))
				assert.ErrorIs(t, err, errStoreDown)

				recipientEvents := drain(t, recipient)
				assert.Equal(t, 0, countEvents(recipientEvents, EventNewMessage))
				assert.Equal(t, 0, countEvents(recipientEvents, EventMessageNotification))
				assert.Equal(t, 0, countEvents(drain(t, sender), EventMessageSent))
			})
		}
	})

	t.Run("recipient connected on two devices gets one copy per device", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		device1 := f.join(t, "u2", models.RoleOwner, "Bob")
		device2 := f.join(t, "u2", models.RoleOwner, "Bob")

		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))

		assert.Equal(t, 1, countEvents(drain(t, device1), EventNewMessage))
		assert.Equal(t, 1, countEvents(drain(t, device2), EventNewMessage))
	})
}

func TestRelayMarkRead(t *testing.T) {
	markRead := MarkReadPayload{ConversationID: "u1_u2", UserID: "u2", Role: models.RoleOwner}

	t.Run("happy path - flips messages and resets counter", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		reader := f.join(t, "u2", models.RoleOwner, "Bob")

		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))
		drain(t, sender)
		drain(t, reader)

		require.NoError(t, f.relay.MarkRead(reader, markRead))

		conv, err := f.store.GetConversation(context.Background(), "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, 0, conv.UnreadOwner)

		msgs, err := f.store.ListMessages(context.Background(), "u1_u2", 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.True(t, msgs[0].IsRead)
		require.NotNil(t, msgs[0].ReadAt)

		// both room members see the read receipt
		receipt := decodeEvent[MessagesReadPayload](t, drain(t, sender), EventMessagesRead)
		assert.Equal(t, 1, receipt.MessagesCount)
		assert.Equal(t, "u2", receipt.UserID)
		assert.Equal(t, 1, countEvents(drain(t, reader), EventMessagesRead))
	})

	t.Run("second call reports zero", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		reader := f.join(t, "u2", models.RoleOwner, "Bob")

		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))
		require.NoError(t, f.relay.MarkRead(reader, markRead))
		drain(t, sender)

		require.NoError(t, f.relay.MarkRead(reader, markRead))
		receipt := decodeEvent[MessagesReadPayload](t, drain(t, sender), EventMessagesRead)
		assert.Equal(t, 0, receipt.MessagesCount)

		conv, err := f.store.GetConversation(context.Background(), "u1_u2")
		require.NoError(t, err)
		assert.Equal(t, 0, conv.UnreadOwner)
	})

	t.Run("missing data rejected", func(t *testing.T) {
		f := newRelayFixture(t)
		reader := f.join(t, "u2", models.RoleOwner, "Bob")
		err := f.relay.MarkRead(reader, MarkReadPayload{UserID: "u2", Role: models.RoleOwner})
		assert.ErrorIs(t, err, errors.ErrMissingReadData)
	})

	t.Run("only the reader's messages flip", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		reader := f.join(t, "u2", models.RoleOwner, "Bob")

		// traffic in both directions
		require.NoError(t, f.relay.SendMessage(sender, sendPayload()))
		back := sendPayload()
		back.SenderID, back.RecipientID = "u2", "u1"
		back.SenderRole = models.RoleOwner
		require.NoError(t, f.relay.SendMessage(reader, back))

		require.NoError(t, f.relay.MarkRead(reader, markRead))

		msgs, err := f.store.ListMessages(context.Background(), "u1_u2", 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		for _, msg := range msgs {
			if msg.RecipientID == "u2" {
				assert.True(t, msg.IsRead)
			} else {
				assert.False(t, msg.IsRead, "u1's inbound message must stay unread")
			}
		}
	})
}

func TestRelayTyping(t *testing.T) {
	t.Run("relayed to the room without the sender", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		other := f.join(t, "u2", models.RoleOwner, "Bob")
		require.NoError(t, f.hub.JoinRoom(sender, "u1_u2"))
		require.NoError(t, f.hub.JoinRoom(other, "u1_u2"))

		f.relay.Typing(sender, TypingPayload{ConversationID: "u1_u2", UserID: "u1", IsTyping: true})

		assert.Equal(t, 0, countEvents(drain(t, sender), EventUserTyping))
		typing := decodeEvent[UserTypingPayload](t, drain(t, other), EventUserTyping)
		assert.Equal(t, "u1", typing.UserID)
		assert.Equal(t, "Ann", typing.DisplayName)
		assert.True(t, typing.IsTyping)
	})

	t.Run("display name falls back to user id", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		other := f.join(t, "u2", models.RoleOwner, "Bob")
		require.NoError(t, f.hub.JoinRoom(other, "u1_u3"))

		f.relay.Typing(sender, TypingPayload{ConversationID: "u1_u3", UserID: "u3", IsTyping: true})
		typing := decodeEvent[UserTypingPayload](t, drain(t, other), EventUserTyping)
		assert.Equal(t, "u3", typing.DisplayName)
	})

	t.Run("missing fields drop silently", func(t *testing.T) {
		f := newRelayFixture(t)
		sender := f.join(t, "u1", models.RoleUser, "Ann")
		other := f.join(t, "u2", models.RoleOwner, "Bob")
		require.NoError(t, f.hub.JoinRoom(other, "u1_u2"))

		f.relay.Typing(sender, TypingPayload{UserID: "u1", IsTyping: true})
		f.relay.Typing(sender, TypingPayload{ConversationID: "u1_u2", IsTyping: true})
		assert.Empty(t, drain(t, other))
	})
}

func TestPreview(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		assert.Equal(t, "hello", preview("hello"))
	})

	t.Run("long text cut on a rune boundary", func(t *testing.T) {
		// the single leading ASCII byte shifts every following 3-byte
		// rune off the truncation point
		text := "a" + strings.Repeat("日", 60)
		got := preview(text)

		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), notificationPreviewLen)
		assert.True(t, strings.HasPrefix(text, got))
	})
}

func TestRelayUpdateStatus(t *testing.T) {
	f := newRelayFixture(t)
	subject := f.join(t, "u1", models.RoleUser, "Ann")
	observer := f.join(t, "u2", models.RoleOwner, "Bob")
	drain(t, observer)

	t.Run("invalid status silently ignored", func(t *testing.T) {
		f.relay.UpdateStatus(subject, UpdateStatusPayload{Status: "ghost"})
		assert.Empty(t, drain(t, observer))
	})

	t.Run("valid status broadcast to others", func(t *testing.T) {
		f.relay.UpdateStatus(subject, UpdateStatusPayload{Status: "busy"})
		update := decodeEvent[StatusUpdatePayload](t, drain(t, observer), EventUserStatusUpdate)
		assert.Equal(t, "u1", update.UserID)
		assert.Equal(t, "busy", update.Status)
		assert.Equal(t, 0, countEvents(drain(t, subject), EventUserStatusUpdate))
	})
}
