package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// Statuses a user may advertise through update_status. Anything else is
// silently ignored.
var allowedStatuses = map[string]bool{
	"online":  true,
	"away":    true,
	"busy":    true,
	"offline": true,
}

// Hub owns the presence registry (user -> connections, connection ->
// metadata) and the room manager (conversation id -> subscribed
// connections). Every connection's event handlers touch these maps, so
// all mutations and fan-out lookups are serialized behind one mutex.
type Hub struct {
	mu     sync.RWMutex
	meta   map[*Client]*models.PresenceInfo
	byUser map[string]map[*Client]struct{}
	rooms  map[string]map[*Client]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		meta:   make(map[*Client]*models.PresenceInfo),
		byUser: make(map[string]map[*Client]struct{}),
		rooms:  make(map[string]map[*Client]struct{}),
		logger: logger,
	}
}

// Register admits a connection into the presence registry. The first
// active connection for a user broadcasts user_online to everyone else;
// additional connections from the same user (other tabs, other devices)
// never re-announce. The registering connection always receives a
// private join_success plus the current online-users snapshot.
func (h *Hub) Register(c *Client, userID string, role models.Role, displayName string) error {
	if userID == "" || role == "" || displayName == "" {
		return errors.ErrInvalidJoinData
	}
	if !role.Valid() {
		return errors.ErrInvalidRole
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A connection that re-joins as someone else must leave its old
	// user's set first, or that user stays online with no live
	// connections behind them.
	if prev, ok := h.meta[c]; ok && prev.UserID != userID {
		h.detachUserLocked(c, prev.UserID)
	}

	first := len(h.byUser[userID]) == 0
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Client]struct{})
	}
	h.byUser[userID][c] = struct{}{}
	h.meta[c] = &models.PresenceInfo{
		UserID:      userID,
		Role:        role,
		DisplayName: displayName,
		Status:      "online",
		JoinedAt:    time.Now().UTC(),
	}

	h.pushEvent(c, EventJoinSuccess, JoinSuccessPayload{UserID: userID})
	h.pushEvent(c, EventOnlineUsers, h.snapshotLocked())
	if first {
		h.broadcastLocked(EventUserOnline, PresencePayload{
			UserID:      userID,
			Role:        role,
			DisplayName: displayName,
			Timestamp:   time.Now().UTC(),
		}, c)
		h.logger.Info("user online", "user_id", userID, "role", string(role))
	}
	return nil
}

// Unregister removes a connection from the registry and from every room
// it joined. Unknown connections are a no-op, so disconnect paths may
// call it as often as they like. The user goes offline only when their
// last connection leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.meta[c]
	if !ok {
		return
	}
	delete(h.meta, c)
	for id, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}

	h.detachUserLocked(c, info.UserID)
}

// detachUserLocked drops the connection from one user's set and fires
// the offline transition when it was the last. Callers hold the lock.
func (h *Hub) detachUserLocked(c *Client, userID string) {
	conns, ok := h.byUser[userID]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byUser, userID)
		h.broadcastLocked(EventUserOffline, PresencePayload{
			UserID:    userID,
			Timestamp: time.Now().UTC(),
		}, nil)
		h.logger.Info("user offline", "user_id", userID)
	}
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Snapshot lists online users deduplicated by user id.
func (h *Hub) Snapshot() []models.PresenceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []models.PresenceInfo {
	seen := make(map[string]bool, len(h.byUser))
	out := make([]models.PresenceInfo, 0, len(h.byUser))
	for _, info := range h.meta {
		if seen[info.UserID] {
			continue
		}
		seen[info.UserID] = true
		out = append(out, *info)
	}
	return out
}

// DisplayName resolves a user's display name from presence data.
// Returns false when the user holds no active connection.
func (h *Hub) DisplayName(userID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		if info, ok := h.meta[c]; ok {
			return info.DisplayName, true
		}
	}
	return "", false
}

// JoinRoom subscribes a connection to a conversation's live events.
// Idempotent.
func (h *Hub) JoinRoom(c *Client, conversationID string) error {
	if conversationID == "" {
		return errors.ErrInvalidConversationID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
	return nil
}

// LeaveRoom is the inverse of JoinRoom and is equally idempotent.
func (h *Hub) LeaveRoom(c *Client, conversationID string) error {
	if conversationID == "" {
		return errors.ErrInvalidConversationID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	return nil
}

// SubscribeUser joins every active connection of a user to a room. The
// relay uses this to auto-subscribe both participants on first message.
func (h *Hub) SubscribeUser(conversationID, userID string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.byUser[userID]
	if len(conns) == 0 {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]struct{})
	}
	for c := range conns {
		h.rooms[conversationID][c] = struct{}{}
	}
}

// RoomHasUser reports whether any of the user's connections is
// subscribed to the room.
func (h *Hub) RoomHasUser(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if info, ok := h.meta[c]; ok && info.UserID == userID {
			return true
		}
	}
	return false
}

// SetStatus updates a connection's advertised status. Returns the
// user's id and whether anything changed; unknown statuses and unjoined
// connections report false.
func (h *Hub) SetStatus(c *Client, status string) (string, bool) {
	if !allowedStatuses[status] {
		return "", false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.meta[c]
	if !ok {
		return "", false
	}
	info.Status = status
	return info.UserID, true
}

// EmitToRoom fans an event out to every connection subscribed to the
// conversation, optionally excluding one connection.
func (h *Hub) EmitToRoom(conversationID, event string, payload any, except *Client) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("marshal room event", "event", event, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c == except {
			continue
		}
		h.push(c, event, data)
	}
}

// DeliverToRoom fans an event out to the room and reports whether any
// of the recipient's connections was among the members. Membership and
// delivery happen under one lock acquisition, so the answer cannot
// drift from what was actually sent.
func (h *Hub) DeliverToRoom(conversationID, recipientID, event string, payload any) bool {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("marshal room event", "event", event, "err", err)
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	covered := false
	for c := range h.rooms[conversationID] {
		if info, ok := h.meta[c]; ok && info.UserID == recipientID {
			covered = true
		}
		h.push(c, event, data)
	}
	return covered
}

// EmitToUser delivers an event to every connection of one user: the
// personal per-user channel.
func (h *Hub) EmitToUser(userID, event string, payload any) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("marshal user event", "event", event, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		h.push(c, event, data)
	}
}

// Broadcast sends an event to every registered connection except the
// given one.
func (h *Hub) Broadcast(event string, payload any, except *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(event, payload, except)
}

func (h *Hub) broadcastLocked(event string, payload any, except *Client) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("marshal broadcast event", "event", event, "err", err)
		return
	}
	for c := range h.meta {
		if c == except {
			continue
		}
		h.push(c, event, data)
	}
}

func (h *Hub) pushEvent(c *Client, event string, payload any) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		h.logger.Error("marshal event", "event", event, "err", err)
		return
	}
	h.push(c, event, data)
}

// push hands a frame to the client's write pump without blocking the
// hub. A full send buffer drops the frame rather than stalling every
// other connection.
func (h *Hub) push(c *Client, event string, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("send buffer full, dropping event", "event", event)
	}
}
