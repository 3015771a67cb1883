package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	chatapi "github.com/rentscape/chat-backend/internal/api/chat"
	"github.com/rentscape/chat-backend/internal/auth"
	"github.com/rentscape/chat-backend/internal/config"
	"github.com/rentscape/chat-backend/internal/middleware"
	"github.com/rentscape/chat-backend/internal/storage"
	"github.com/rentscape/chat-backend/internal/storage/memory"
	"github.com/rentscape/chat-backend/internal/storage/postgres"
	valkeycache "github.com/rentscape/chat-backend/internal/storage/valkey"
	"github.com/rentscape/chat-backend/internal/ws"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading configuration from environment")
	}
	cfg := config.FromEnv()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var store storage.ChatStore
	if cfg.Postgres.DSN != "" {
		pgStore, err := postgres.NewChatStore(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		if err := pgStore.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("postgres schema: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		logger.Warn("POSTGRES_DSN not set, chat state is in-memory only")
		store = memory.NewChatStore()
	}

	var unread storage.UnreadCache
	if cfg.Valkey.Addr != "" {
		cache, err := valkeycache.NewUnreadCache(cfg.Valkey.Addr, cfg.Valkey.UnreadTTL)
		if err != nil {
			log.Fatalf("valkey: %v", err)
		}
		defer cache.Close()
		unread = cache
	}

	var verifier *auth.Verifier
	if cfg.JWT.Secret != "" {
		verifier = auth.NewVerifier(cfg.JWT.Secret)
	} else {
		logger.Warn("JWT_SECRET not set, REST endpoints run without authentication")
	}

	hub := ws.NewHub(logger)
	relay := ws.NewRelay(hub, store, unread, cfg.Chat.PersistTimeout, logger)

	handler := &chatapi.ChatHandler{
		Store:       store,
		Unread:      unread,
		Hub:         hub,
		Relay:       relay,
		Auth:        verifier,
		JoinTimeout: cfg.Chat.JoinTimeout,
	}

	router := mux.NewRouter()
	chatapi.RegisterChatRoutes(router, handler)

	addr := ":" + cfg.Server.Port
	log.Printf("Server started at %s", addr)
	log.Fatal(http.ListenAndServe(addr, middleware.CORS(cfg.AllowOrigin)(router)))
}
