package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"notification-hub/internal/idem"
	"notification-hub/internal/notification"
)

// IngestMessage is the payload collaborators produce on the notifications
// topic. IdempotencyKey falls back to the message key.
type IngestMessage struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	notification.CreateInput
}

type Creator interface {
	Create(ctx context.Context, in notification.CreateInput) (notification.Notification, error)
}

type IngestOptions struct {
	// MaxElapsed bounds retries of a retryable store failure.
	MaxElapsed time.Duration
	DedupTTL   time.Duration
}

// IngestHandler creates a notification per message. Store outages are
// retried with exponential backoff; validation failures are dropped.
func IngestHandler(svc Creator, seen idem.Store, o IngestOptions) Handler {
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 30 * time.Second
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 24 * time.Hour
	}
	return func(ctx context.Context, topic string, key, value []byte) error {
		var msg IngestMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decode ingest message: %w", err)
		}
		dedupKey := msg.IdempotencyKey
		if dedupKey == "" {
			dedupKey = string(key)
		}
		if dedupKey != "" && seen != nil {
			first, err := seen.PutNX(ctx, "ingest:"+dedupKey, o.DedupTTL)
			if err != nil {
				slog.Warn("[Kafka] Idempotency check failed, processing anyway", slog.Any("error", err))
			} else if !first {
				slog.Info("[Kafka] Duplicate message skipped", slog.String("key", dedupKey))
				return nil
			}
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxElapsedTime = o.MaxElapsed

		var created notification.Notification
		err := backoff.Retry(func() error {
			n, err := svc.Create(ctx, msg.CreateInput)
			if err != nil {
				if notification.IsRetryable(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			created = n
			return nil
		}, backoff.WithContext(b, ctx))
		if err != nil {
			if dedupKey != "" && seen != nil && !errors.Is(err, notification.ErrValidation) {
				_ = seen.Release(context.Background(), "ingest:"+dedupKey)
			}
			return fmt.Errorf("ingest from %s: %w", topic, err)
		}
		slog.Info("[Kafka] Notification ingested",
			slog.String("notificationId", created.ID), slog.String("userId", created.UserID))
		return nil
	}
}
