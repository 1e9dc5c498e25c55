// Package analytics streams match lifecycle events to Kafka.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
)

const emitTimeout = 2 * time.Second

type Event string

const (
	MatchStart Event = "match.start"
	MatchPoint Event = "match.point"
	MatchEnd   Event = "match.end"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Emitter writes events to one topic. A nil *Emitter drops every event.
type Emitter struct {
	logger *slog.Logger
	writer messageWriter
	now    func() time.Time
}

// New returns nil when no brokers are configured.
func New(logger *slog.Logger, brokers []string, topic string) *Emitter {
	if len(brokers) == 0 {
		return nil
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newEmitter(logger, w)
}

func newEmitter(logger *slog.Logger, w messageWriter) *Emitter {
	return &Emitter{logger: logger.WithGroup("analytics"), writer: w, now: time.Now}
}

// Emit writes event with payload, keyed by the payload's matchId so one
// match's events stay ordered on a partition. Failures are logged.
func (e *Emitter) Emit(event Event, payload map[string]any) {
	if e == nil || e.writer == nil {
		return
	}

	record := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		record[k] = v
	}
	record["id"] = ulid.Make().String()
	record["event"] = string(event)
	record["ts"] = e.now().UTC()

	b, err := json.Marshal(record)
	if err != nil {
		e.logger.Error("Could not marshal event", slog.String("event", string(event)), slog.String("error", err.Error()))
		return
	}

	var key []byte
	if id, ok := payload["matchId"].(string); ok {
		key = []byte(id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := e.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: b}); err != nil {
		e.logger.Warn("Could not emit event", slog.String("event", string(event)), slog.String("error", err.Error()))
	}
}

func (e *Emitter) Close() error {
	if e == nil || e.writer == nil {
		return nil
	}
	return e.writer.Close()
}
