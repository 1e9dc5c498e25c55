package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"

	"github.com/you/pong/backend/internal/analytics"
	"github.com/you/pong/backend/internal/config"
	"github.com/you/pong/backend/internal/logutil"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumer()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logutil.New(cfg.LogLevel).WithGroup("consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	defer r.Close()

	logger.Info(
		"Analytics consumer started",
		slog.Any("brokers", cfg.KafkaBrokers),
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group_id", cfg.KafkaGroupID),
	)

	var totals analytics.Totals
	lastReport := time.Now()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Warn("Could not read message", slog.String("error", err.Error()))
			continue
		}

		if err := totals.Apply(m.Value); err != nil {
			logger.Warn("Skipping event", slog.Int64("offset", m.Offset), slog.String("error", err.Error()))
			continue
		}

		if time.Since(lastReport) >= cfg.ReportInterval {
			logger.Info("Match analytics", slog.Any("totals", &totals))
			lastReport = time.Now()
		}
	}

	logger.Info("Match analytics", slog.Any("totals", &totals))
	logger.Info("Service shutdown complete")
}
