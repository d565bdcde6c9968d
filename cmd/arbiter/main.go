package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MikeSquared-Agency/arbiter/internal/api"
	"github.com/MikeSquared-Agency/arbiter/internal/bus"
	"github.com/MikeSquared-Agency/arbiter/internal/claim"
	"github.com/MikeSquared-Agency/arbiter/internal/classifier"
	"github.com/MikeSquared-Agency/arbiter/internal/config"
	"github.com/MikeSquared-Agency/arbiter/internal/conversation"
	"github.com/MikeSquared-Agency/arbiter/internal/dispute"
	"github.com/MikeSquared-Agency/arbiter/internal/drafter"
	"github.com/MikeSquared-Agency/arbiter/internal/engine"
	"github.com/MikeSquared-Agency/arbiter/internal/mail"
	"github.com/MikeSquared-Agency/arbiter/internal/openai"
	"github.com/MikeSquared-Agency/arbiter/internal/processor"
	"github.com/MikeSquared-Agency/arbiter/internal/resolver"
	"github.com/MikeSquared-Agency/arbiter/internal/similarity"
	"github.com/MikeSquared-Agency/arbiter/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("arbiter starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Conversation store
	convStore, err := conversation.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.ConversationTTL, slog.Default())
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer convStore.Close()
	slog.Info("conversation store connected", "addr", cfg.RedisAddr, "ttl", cfg.ConversationTTL)

	// Relational store
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database connected")

	// OpenAI client
	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}
	llm := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.EmbeddingModel)
	slog.Info("openai client ready", "model", cfg.OpenAIModel, "embedding_model", cfg.EmbeddingModel)

	// Mail relay
	if cfg.MailBaseURL == "" {
		slog.Error("MAIL_BASE_URL is required")
		os.Exit(1)
	}
	relay := mail.NewClient(cfg.MailBaseURL, cfg.MailToken, slog.Default())

	// NATS (optional — triage runs without event publication)
	var events processor.Publisher
	busClient, err := bus.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		slog.Warn("NATS unavailable, running without events", "error", err)
	} else {
		defer busClient.Close()
		events = busClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	// Pipeline components
	matcher := similarity.NewMatcher(llm, slog.Default())
	contextResolver := resolver.New(convStore, matcher, resolver.NewContextOracle(llm), slog.Default())
	cls := classifier.New(llm, slog.Default())
	dr := drafter.New(llm, slog.Default())
	claims := claim.NewExtractor(llm, slog.Default())
	disputes := dispute.New(db, slog.Default())

	eng := engine.New(convStore, cls, dr, claims, disputes, relay, cfg.SenderDisplayName, slog.Default())
	proc := processor.New(relay, convStore, contextResolver, eng, events, cfg.SystemAddress, cfg.FetchLimit, slog.Default())

	// Out-of-band reprocess trigger: a publish on this subject runs a cycle
	// immediately instead of waiting for the next tick.
	if busClient != nil {
		if err := busClient.Subscribe(bus.SubjectReprocess, func(subject string, _ []byte) {
			slog.Info("reprocess requested", "subject", subject)
			if _, err := proc.RunCycle(ctx); err != nil {
				slog.Error("reprocess cycle failed", "error", err)
			}
		}); err != nil {
			slog.Warn("reprocess subscription failed", "error", err)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, db)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Polling loop
	go func() {
		if err := proc.Run(ctx, cfg.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("processor stopped", "error", err)
		}
	}()

	slog.Info("arbiter ready", "port", cfg.Port, "poll_interval", cfg.PollInterval)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("arbiter stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
