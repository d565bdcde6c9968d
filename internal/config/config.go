package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port              int
	NatsURL           string
	NatsToken         string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	LogLevel          string
	OpenAIAPIKey      string
	OpenAIModel       string
	EmbeddingModel    string
	MailBaseURL       string
	MailToken         string
	SystemAddress     string
	SenderDisplayName string
	PollInterval      time.Duration
	FetchLimit        int
	ConversationTTL   time.Duration
}

func Load() Config {
	return Config{
		Port:              envInt("ARBITER_PORT", 8760),
		NatsURL:           envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:         envStr("NATS_TOKEN", ""),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		RedisAddr:         envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     envStr("REDIS_PASSWORD", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		OpenAIModel:       envStr("ARBITER_MODEL", "gpt-4.1-mini"),
		EmbeddingModel:    envStr("ARBITER_EMBEDDING_MODEL", "text-embedding-3-small"),
		MailBaseURL:       envStr("MAIL_BASE_URL", ""),
		MailToken:         envStr("MAIL_TOKEN", ""),
		SystemAddress:     envStr("SYSTEM_EMAIL_ADDRESS", ""),
		SenderDisplayName: envStr("SENDER_DISPLAY_NAME", "Accounts Payable Team"),
		PollInterval:      envDur("POLL_INTERVAL", 10*time.Second),
		FetchLimit:        envInt("FETCH_LIMIT", 10),
		ConversationTTL:   envDur("CONVERSATION_TTL", 15*24*time.Hour),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
