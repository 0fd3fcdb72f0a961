package kafka

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"notification-hub/internal/notification"
)

type Handler func(ctx context.Context, topic string, key, value []byte) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
	handle Handler
	desc   []any
	// retryInitial is the first delay before redelivering a message whose
	// handler failed with a retryable error.
	retryInitial time.Duration
}

func NewConsumer(brokers, groupID, topic string, h Handler) *Consumer {
	addrs := strings.Split(brokers, ",")
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        addrs,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: time.Second,
		}),
		handle:       h,
		desc:         []any{slog.String("group", groupID), slog.String("topic", topic), slog.Any("brokers", addrs)},
		retryInitial: time.Second,
	}
}

// Run fetches until ctx is done. A message is committed once the handler
// succeeds or fails permanently. Retryable failures (store unavailable) are
// redelivered to the handler with backoff and never committed, so the offset
// stays put until the store comes back or the consumer stops.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		_ = c.reader.Close()
	}()

	slog.Info("[Kafka] Consumer started", c.desc...)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("[Kafka] Consumer shutting down")
				return nil
			}
			slog.Warn("[Kafka] Fetch error", slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		if !c.process(ctx, m) {
			slog.Info("[Kafka] Consumer shutting down", slog.Int64("uncommitted_offset", m.Offset))
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			slog.Warn("[Kafka] Commit error", slog.Any("error", err))
		}
	}
}

// process runs the handler for m and reports whether m may be committed.
func (c *Consumer) process(ctx context.Context, m kafka.Message) bool {
	if c.handle == nil {
		return true
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		e := c.handle(ctx, m.Topic, m.Key, m.Value)
		if e == nil || notification.IsRetryable(e) {
			return e
		}
		return backoff.Permanent(e)
	}, backoff.WithContext(b, ctx), func(e error, d time.Duration) {
		slog.Warn("[Kafka] Handler failed, redelivering",
			slog.String("topic", m.Topic), slog.Int64("offset", m.Offset),
			slog.Duration("in", d), slog.Any("error", e))
	})
	if err == nil {
		return true
	}
	if notification.IsRetryable(err) || ctx.Err() != nil {
		return false
	}
	slog.Warn("[Kafka] Handler error, skipping message",
		slog.String("topic", m.Topic), slog.Int64("offset", m.Offset), slog.Any("error", err))
	return true
}
