package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
)

// Message is one received build event.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Headers []kafka.Header
}

// HandlerFunc handles one message. An error keeps the offset uncommitted,
// so the group sees the message again after a restart.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads build events from one topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption tunes the underlying reader.
type ConsumerOption func(*kafka.ReaderConfig)

// FromLatest makes a new group skip the backlog and read only events
// published from now on.
func FromLatest() ConsumerOption {
	return func(c *kafka.ReaderConfig) { c.StartOffset = kafka.LastOffset }
}

type consumer struct {
	reader *kafka.Reader
	tracer trace.Tracer
	logger *slog.Logger
}

// NewConsumer joins group groupID on topic.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MaxBytes:    1 << 20,
		MaxWait:     250 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &consumer{
		reader: kafka.NewReader(cfg),
		tracer: telemetry.Tracer("kafka"),
		logger: logger.With(slog.String("topic", topic), slog.String("group", groupID)),
	}
}

// Subscribe feeds handler until ctx is done, which is not an error.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return fmt.Errorf("fetch from %s: %w", c.reader.Config().Topic, err)
		}

		if !c.handle(ctx, m, handler) {
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed", slog.Int64("offset", m.Offset), slog.String("error", err.Error()))
		}
	}
}

// handle runs handler under a consumer span linked to the publisher and
// reports whether the offset may be committed.
func (c *consumer) handle(ctx context.Context, m kafka.Message, handler HandlerFunc) bool {
	ctx, span := c.tracer.Start(withTrace(ctx, m.Headers), "process "+m.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		))
	defer span.End()

	err := handler(ctx, Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Offset:  m.Offset,
		Headers: m.Headers,
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Error("event handler failed, offset left uncommitted",
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *consumer) Close() error { return c.reader.Close() }
