package chat

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/rentscape/chat-backend/internal/auth"
	"github.com/rentscape/chat-backend/internal/models"
	"github.com/rentscape/chat-backend/internal/storage"
	"github.com/rentscape/chat-backend/internal/ws"
	"github.com/rentscape/chat-backend/pkg/errors"
)

// ChatHandler exposes the read-only query surface over persisted chat
// state plus the websocket endpoint for the live relay.
type ChatHandler struct {
	Store       storage.ChatStore
	Unread      storage.UnreadCache
	Hub         *ws.Hub
	Relay       *ws.Relay
	Auth        *auth.Verifier
	JoinTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	// Origin filtering happens in the CORS middleware for REST; the
	// socket accepts any origin and relies on the join handshake.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StartConversation upserts the conversation for a participant pair.
// The conversation id is derived server-side, never taken from the
// request.
func (h *ChatHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string `json:"userId"`
		OwnerID string `json:"ownerId"`
		Title   string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.OwnerID == "" {
		writeError(w, errors.ErrMissingParticipant)
		return
	}
	if !h.authorized(r, req.UserID) && !h.authorized(r, req.OwnerID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID := ws.ConversationID(req.UserID, req.OwnerID)
	conv, err := h.Store.StartConversation(r.Context(), conversationID, req.UserID, req.OwnerID, req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := models.Role(r.URL.Query().Get("role"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !role.Valid() {
		writeError(w, errors.ErrInvalidRole)
		return
	}
	if !h.authorized(r, userID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit, offset := pagination(r)
	convs, err := h.Store.ListConversations(r.Context(), userID, role, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, errors.ErrInvalidConversationID)
		return
	}

	limit, offset := pagination(r)
	msgs, err := h.Store.ListMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// UnreadCount serves the aggregate unread counter for a user+role,
// read through the Valkey cache when one is configured.
func (h *ChatHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := models.Role(r.URL.Query().Get("role"))
	if userID == "" || !role.Valid() {
		http.Error(w, "user_id and a valid role are required", http.StatusBadRequest)
		return
	}
	if !h.authorized(r, userID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.Unread != nil {
		if total, ok, err := h.Unread.Get(r.Context(), userID, role); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]int{"unread": total})
			return
		} else if err != nil {
			log.Printf("[Chat] unread cache read failed for %s: %v", userID, err)
		}
	}

	total, err := h.Store.UnreadTotal(r.Context(), userID, role)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Unread != nil {
		if err := h.Unread.Set(r.Context(), userID, role, total); err != nil {
			log.Printf("[Chat] unread cache write failed for %s: %v", userID, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": total})
}

// DeleteConversation soft-deletes: hidden from listings, messages kept.
func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]

	conv, err := h.Store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.authorized(r, conv.UserID) && !h.authorized(r, conv.OwnerID) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.Store.DeactivateConversation(r.Context(), conversationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// OnlineUsers returns the presence snapshot, deduplicated by user.
func (h *ChatHandler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Hub.Snapshot())
}

// ServeWS upgrades the connection and hands it to the lifecycle
// controller. Identity is established by the join handshake; sockets
// that never join are closed after the configured timeout.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Chat] WebSocket upgrade failed: %v", err)
		return
	}
	client := ws.NewClient(h.Hub, h.Relay, conn, h.JoinTimeout, nil)
	go client.Run()
}

// authorized reports whether the request carries a token for the given
// user. With no verifier configured every request passes, which keeps
// local development tokenless.
func (h *ChatHandler) authorized(r *http.Request, userID string) bool {
	if h.Auth == nil {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return false
	}
	identity, err := h.Auth.Verify(token)
	if err != nil {
		return false
	}
	return identity.UserID == userID
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Chat] Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch errors.CodeOf(err) {
	case errors.CodeInvalidArgument:
		status, message = http.StatusBadRequest, err.Error()
	case errors.CodeNotFound:
		status, message = http.StatusNotFound, err.Error()
	case errors.CodeUnavailable:
		status, message = http.StatusServiceUnavailable, "failed to save chat data"
	}
	http.Error(w, message, status)
}
