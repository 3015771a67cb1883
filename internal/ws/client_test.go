package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/internal/storage/memory"
)

func newTestDispatchClient(t *testing.T) (*Client, *Hub) {
	t.Helper()
	hub := NewHub(nil)
	relay := NewRelay(hub, memory.NewChatStore(), nil, time.Second, nil)
	c := newTestClient(hub)
	c.relay = relay
	return c, hub
}

func envelope(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{Event: event, Data: data}
}

func TestClientDispatch(t *testing.T) {
	t.Run("happy path - join registers and stops the timer", func(t *testing.T) {
		c, hub := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventJoin, JoinPayload{UserID: "u1", Role: models.RoleUser, DisplayName: "Ann"}))

		assert.True(t, c.joined.Load())
		assert.True(t, hub.IsOnline("u1"))
		assert.Equal(t, 1, countEvents(drain(t, c), EventJoinSuccess))
	})

	t.Run("second join with a new identity rejected", func(t *testing.T) {
		c, hub := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventJoin, JoinPayload{UserID: "u1", Role: models.RoleUser, DisplayName: "Ann"}))
		drain(t, c)

		c.dispatch(envelope(t, EventJoin, JoinPayload{UserID: "u2", Role: models.RoleUser, DisplayName: "Bea"}))

		assert.Equal(t, 1, countEvents(drain(t, c), EventJoinError))
		assert.Equal(t, "u1", c.userID)
		assert.True(t, hub.IsOnline("u1"))
		assert.False(t, hub.IsOnline("u2"))

		// disconnect still cleans up the one identity the hub knows
		c.disconnect()
		assert.False(t, hub.IsOnline("u1"))
	})

	t.Run("join with missing fields errors privately", func(t *testing.T) {
		c, hub := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventJoin, JoinPayload{UserID: "u1"}))

		assert.False(t, c.joined.Load())
		assert.False(t, hub.IsOnline("u1"))
		assert.Equal(t, 1, countEvents(drain(t, c), EventJoinError))
	})

	t.Run("malformed payload reports the event's error", func(t *testing.T) {
		c, _ := newTestDispatchClient(t)
		c.dispatch(Envelope{Event: EventSendMessage, Data: json.RawMessage(`"not an object"`)})
		assert.Equal(t, 1, countEvents(drain(t, c), EventMessageError))
	})

	t.Run("join and leave conversation", func(t *testing.T) {
		c, hub := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventJoin, JoinPayload{UserID: "u1", Role: models.RoleUser, DisplayName: "Ann"}))
		drain(t, c)

		c.dispatch(envelope(t, EventJoinConversation, ConversationPayload{ConversationID: "u1_u2"}))
		assert.Equal(t, 1, countEvents(drain(t, c), EventJoinedConversation))
		assert.True(t, hub.RoomHasUser("u1_u2", "u1"))

		c.dispatch(envelope(t, EventLeaveConversation, ConversationPayload{ConversationID: "u1_u2"}))
		assert.Equal(t, 1, countEvents(drain(t, c), EventLeftConversation))
		assert.False(t, hub.RoomHasUser("u1_u2", "u1"))
	})

	t.Run("empty conversation id rejected", func(t *testing.T) {
		c, _ := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventJoinConversation, ConversationPayload{}))
		assert.Equal(t, 1, countEvents(drain(t, c), EventJoinConversationError))
	})

	t.Run("send message error goes only to the sender", func(t *testing.T) {
		c, _ := newTestDispatchClient(t)
		c.dispatch(envelope(t, EventSendMessage, SendMessagePayload{
			SenderID:    "u1",
			SenderRole:  models.RoleUser,
			RecipientID: "u2",
			Message:     "   ",
		}))
		assert.Equal(t, 1, countEvents(drain(t, c), EventMessageError))
	})

	t.Run("unknown event reported", func(t *testing.T) {
		c, _ := newTestDispatchClient(t)
		c.dispatch(Envelope{Event: "teleport"})
		assert.Equal(t, 1, countEvents(drain(t, c), EventError))
	})

	t.Run("malformed typing payload is dropped silently", func(t *testing.T) {
		c, _ := newTestDispatchClient(t)
		c.dispatch(Envelope{Event: EventTyping, Data: json.RawMessage(`42`)})
		assert.Empty(t, drain(t, c))
	})
}

// newSocketPair dials a real websocket through a throwaway test server
// and hands back both ends.
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	dialed, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { dialed.Close() })

	server = <-accepted
	t.Cleanup(func() { server.Close() })
	return server, dialed
}

func readUntilEvent(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Event == event {
			return env
		}
	}
}

func TestClientJoinTimeout(t *testing.T) {
	t.Run("no join closes the socket", func(t *testing.T) {
		hub := NewHub(nil)
		peer, conn := newSocketPair(t)

		c := NewClient(hub, nil, conn, 50*time.Millisecond, nil)
		go c.Run()

		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := peer.ReadMessage()
		assert.Error(t, err, "transport should be gone once the handshake window passes")
	})

	t.Run("joined connection outlives the deadline", func(t *testing.T) {
		hub := NewHub(nil)
		relay := NewRelay(hub, memory.NewChatStore(), nil, time.Second, nil)
		peer, conn := newSocketPair(t)

		c := NewClient(hub, relay, conn, 100*time.Millisecond, nil)
		go c.Run()

		require.NoError(t, peer.WriteJSON(envelope(t, EventJoin, JoinPayload{
			UserID: "u1", Role: models.RoleUser, DisplayName: "Ann",
		})))
		readUntilEvent(t, peer, EventJoinSuccess)

		time.Sleep(300 * time.Millisecond)
		assert.True(t, hub.IsOnline("u1"))

		// the socket still carries traffic well past the handshake window
		require.NoError(t, peer.WriteJSON(envelope(t, EventSendMessage, sendPayload())))
		ack := readUntilEvent(t, peer, EventMessageSent)
		assert.Equal(t, EventMessageSent, ack.Event)
	})
}

func TestClientDisconnectIdempotent(t *testing.T) {
	hub := NewHub(nil)
	observer := newTestClient(hub)
	require.NoError(t, hub.Register(observer, "watcher", models.RoleOwner, "Watcher"))
	drain(t, observer)

	c := newTestClient(hub)
	require.NoError(t, hub.Register(c, "u1", models.RoleUser, "Ann"))
	drain(t, observer)

	c.disconnect()
	c.disconnect()
	c.disconnect()

	assert.Equal(t, 1, countEvents(drain(t, observer), EventUserOffline))
	assert.False(t, hub.IsOnline("u1"))
}
