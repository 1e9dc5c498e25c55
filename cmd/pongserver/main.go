package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/you/pong/backend/internal/analytics"
	"github.com/you/pong/backend/internal/config"
	"github.com/you/pong/backend/internal/history"
	"github.com/you/pong/backend/internal/logutil"
	"github.com/you/pong/backend/internal/server"
	"github.com/you/pong/backend/internal/store"
)

func main() {
	// A missing .env file is fine; the environment wins anyway.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logutil.New(cfg.LogLevel)
	serverID := uuid.NewString()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("Failed to open shared store", slog.String("store", cfg.Store), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("Shared store ready", slog.String("store", cfg.Store))

	deps := server.Deps{Store: st}

	if cfg.PostgresDSN != "" {
		h, err := history.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("Failed to connect to Postgres", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer h.Close()
		if err := h.AutoMigrate(ctx); err != nil {
			logger.Error("Failed to migrate match history", slog.String("error", err.Error()))
			os.Exit(1)
		}
		deps.History = h
		logger.Info("Match history enabled")
	}

	if em := analytics.New(logger, cfg.KafkaBrokers, cfg.KafkaTopic); em != nil {
		defer em.Close()
		deps.Analytics = em
		logger.Info("Analytics enabled", slog.String("topic", cfg.KafkaTopic))
	}

	srv := server.New(logger, cfg, serverID, deps)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server failed to check in", slog.String("error", err.Error()))
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", slog.String("error", err.Error()))
	}
	logger.Info("Service shutdown complete")
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store == config.StoreMemory {
		return store.NewMemory(), nil
	}
	client, err := store.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	return store.NewRedis(client), nil
}
