package chat

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterChatRoutes registers all chat-related HTTP and WebSocket routes.
func RegisterChatRoutes(router *mux.Router, handler *ChatHandler) {
	api := router.PathPrefix("/api/v1/chat").Subrouter()
	api.Use(logRequests)

	api.HandleFunc("/start", handler.StartConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", handler.ListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", handler.DeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/messages", handler.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/unread", handler.UnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/online", handler.OnlineUsers).Methods(http.MethodGet)

	router.HandleFunc("/ws/chat", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[Chat] WebSocket %s", r.URL.String())
		handler.ServeWS(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[Chat] %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
