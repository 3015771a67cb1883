package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

const (
	readLimit    = int64(16 << 10)
	readDeadline = 90 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Client is one websocket connection moving through the lifecycle
// Connecting -> Joined -> Disconnected. Identity fields are written
// once, by the read pump, when the join handshake succeeds.
type Client struct {
	hub   *Hub
	relay *Relay
	conn  *websocket.Conn
	send  chan []byte

	userID      string
	role        models.Role
	displayName string

	joined    atomic.Bool
	joinTimer *time.Timer
	closeOnce sync.Once
	done      chan struct{}

	logger *slog.Logger
}

// NewClient wraps an upgraded connection. The caller must start the
// pumps with Run. A connection that has not completed a valid join
// handshake within joinTimeout is forcibly closed.
func NewClient(hub *Hub, relay *Relay, conn *websocket.Conn, joinTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		hub:    hub,
		relay:  relay,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	c.joinTimer = time.AfterFunc(joinTimeout, func() {
		if !c.joined.Load() {
			c.logger.Warn("join handshake timed out, closing connection")
			c.closeTransport()
		}
	})
	return c
}

// Run starts the write pump and blocks in the read pump until the
// connection dies. Cleanup always funnels through disconnect exactly
// once.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection read failed", "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.emit(EventError, ErrorPayload{Error: "malformed event payload"})
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatch routes one inbound event. Handler errors are reported back
// to this connection only and never tear it down.
func (c *Client) dispatch(env Envelope) {
	switch env.Event {
	case EventJoin:
		var p JoinPayload
		if err := c.decode(env.Data, &p, EventJoinError); err != nil {
			return
		}
		c.handleJoin(p)

	case EventJoinConversation:
		var p ConversationPayload
		if err := c.decode(env.Data, &p, EventJoinConversationError); err != nil {
			return
		}
		if err := p.Validate(); err != nil {
			c.emit(EventJoinConversationError, errorPayloadFor(err))
			return
		}
		if err := c.hub.JoinRoom(c, p.ConversationID); err != nil {
			c.emit(EventJoinConversationError, errorPayloadFor(err))
			return
		}
		c.emit(EventJoinedConversation, p)

	case EventLeaveConversation:
		var p ConversationPayload
		if err := c.decode(env.Data, &p, EventError); err != nil {
			return
		}
		if err := c.hub.LeaveRoom(c, p.ConversationID); err != nil {
			c.emit(EventError, errorPayloadFor(err))
			return
		}
		c.emit(EventLeftConversation, p)

	case EventSendMessage:
		var p SendMessagePayload
		if err := c.decode(env.Data, &p, EventMessageError); err != nil {
			return
		}
		if err := c.relay.SendMessage(c, p); err != nil {
			c.emit(EventMessageError, errorPayloadFor(err))
		}

	case EventTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return // typing is best-effort, never errors back
		}
		c.relay.Typing(c, p)

	case EventMarkRead:
		var p MarkReadPayload
		if err := c.decode(env.Data, &p, EventMarkReadError); err != nil {
			return
		}
		if err := c.relay.MarkRead(c, p); err != nil {
			c.emit(EventMarkReadError, errorPayloadFor(err))
		}

	case EventUpdateStatus:
		var p UpdateStatusPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return // invalid status updates are silently ignored
		}
		c.relay.UpdateStatus(c, p)

	default:
		c.emit(EventError, ErrorPayload{Error: "unknown event: " + env.Event})
	}
}

func (c *Client) handleJoin(p JoinPayload) {
	// One identity per connection. A second join would leave the hub
	// tracking this connection under two users.
	if c.joined.Load() {
		c.emit(EventJoinError, errorPayloadFor(errors.ErrAlreadyJoined))
		return
	}
	if err := p.Validate(); err != nil {
		c.emit(EventJoinError, errorPayloadFor(err))
		return
	}
	if err := c.hub.Register(c, p.UserID, p.Role, p.DisplayName); err != nil {
		c.emit(EventJoinError, errorPayloadFor(err))
		return
	}
	c.userID = p.UserID
	c.role = p.Role
	c.displayName = p.DisplayName
	c.joined.Store(true)
	c.joinTimer.Stop()
}

func (c *Client) decode(data json.RawMessage, dst any, errEvent string) error {
	if err := json.Unmarshal(data, dst); err != nil {
		c.emit(errEvent, ErrorPayload{Error: "malformed event payload"})
		return err
	}
	return nil
}

// emit queues an event for this connection only.
func (c *Client) emit(event string, payload any) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		c.logger.Error("marshal event", "event", event, "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping event", "event", event)
	}
}

// disconnect tears the connection down. Safe to call more than once;
// presence cleanup runs exactly once.
func (c *Client) disconnect() {
	c.closeOnce.Do(func() {
		c.joinTimer.Stop()
		c.hub.Unregister(c)
		close(c.done)
		c.closeTransport()
	})
}

func (c *Client) closeTransport() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
