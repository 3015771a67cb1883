package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries everything the chat backend reads from the
// environment. cmd/main loads .env first via godotenv, so local runs
// and deployed runs go through the same path.
type Config struct {
	Server      Server
	Postgres    Postgres
	Valkey      Valkey
	JWT         JWT
	Chat        Chat
	AllowOrigin string
}

type Server struct {
	Port string
}

type Postgres struct {
	DSN string
}

type Valkey struct {
	Addr      string
	UnreadTTL time.Duration
}

type JWT struct {
	Secret string
}

type Chat struct {
	// JoinTimeout bounds how long a socket may stay connected without a
	// valid join handshake before it is force-closed.
	JoinTimeout time.Duration
	// PersistTimeout bounds every storage call made by the relay.
	PersistTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Server: Server{
			Port: getenv("PORT", "8080"),
		},
		Postgres: Postgres{
			DSN: os.Getenv("POSTGRES_DSN"),
		},
		Valkey: Valkey{
			Addr:      os.Getenv("VALKEY_ADDR"),
			UnreadTTL: getduration("VALKEY_UNREAD_TTL", 30*time.Second),
		},
		JWT: JWT{
			Secret: os.Getenv("JWT_SECRET"),
		},
		Chat: Chat{
			JoinTimeout:    getduration("CHAT_JOIN_TIMEOUT", 30*time.Second),
			PersistTimeout: getduration("CHAT_PERSIST_TIMEOUT", 5*time.Second),
		},
		AllowOrigin: getenv("ALLOW_ORIGIN", "http://127.0.0.1:5173"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
