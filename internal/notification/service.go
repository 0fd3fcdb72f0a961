package notification

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Service interface {
	Create(ctx context.Context, in CreateInput) (Notification, error)
	Broadcast(ctx context.Context, userIDs []string, in CreateInput) ([]Notification, error)
	Get(ctx context.Context, id string) (Notification, error)
	List(ctx context.Context, userID string, limit, offset int, f Filter) ([]Notification, error)
	Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) (MarkResult, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	RecordDelivery(ctx context.Context, id string, kind EventKind, meta map[string]any) error
	Events(ctx context.Context, id string) ([]DeliveryEvent, error)
}

// Publisher fans a created notification out to every instance.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

type Options struct {
	Timeout    time.Duration
	MaxPerUser int
	Now        func() time.Time
}

type service struct {
	repo       Repository
	pub        Publisher
	timeout    time.Duration
	maxPerUser int
	now        func() time.Time
}

func NewService(r Repository, p Publisher, o Options) Service {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &service{repo: r, pub: p, timeout: o.Timeout, maxPerUser: o.MaxPerUser, now: o.Now}
}

var tracer = otel.Tracer("notification-hub/notification")

// Create persists the notification and then publishes it. A failed publish is
// logged only: the notification stays reachable through polling.
func (s *service) Create(ctx context.Context, in CreateInput) (Notification, error) {
	ctx, span := tracer.Start(ctx, "notification.Create")
	defer span.End()

	in.UserID = strings.TrimSpace(in.UserID)
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation")
		return Notification{}, err
	}
	n := Notification{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Type:      in.Type,
		Payload:   in.Payload,
		Priority:  in.Priority,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	span.SetAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.type", string(n.Type)),
	)

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.repo.Create(sctx, n, s.maxPerUser); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store")
		return Notification{}, err
	}

	if s.pub != nil {
		if err := s.pub.Publish(sctx, n); err != nil {
			slog.Warn("notification publish failed",
				slog.String("notificationId", n.ID), slog.String("userId", n.UserID), slog.Any("error", err))
		}
	}
	return n, nil
}

func (s *service) Broadcast(ctx context.Context, userIDs []string, in CreateInput) ([]Notification, error) {
	out := make([]Notification, 0, len(userIDs))
	var errs []error
	for _, uid := range userIDs {
		in.UserID = uid
		n, err := s.Create(ctx, in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, n)
	}
	return out, errors.Join(errs...)
}

func (s *service) Get(ctx context.Context, id string) (Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Get(ctx, id)
}

func (s *service) List(ctx context.Context, userID string, limit, offset int, f Filter) ([]Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.List(ctx, userID, min(limit, 200), offset, f)
}

func (s *service) Since(ctx context.Context, userID string, since time.Time, limit int) ([]Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Since(ctx, userID, since, min(limit, 500))
}

func (s *service) MarkRead(ctx context.Context, userID, id string) (MarkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.MarkRead(ctx, userID, id, s.now().UTC())
}

func (s *service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.MarkAllRead(ctx, userID, s.now().UTC())
}

func (s *service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.UnreadCount(ctx, userID)
}

func (s *service) RecordDelivery(ctx context.Context, id string, kind EventKind, meta map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.AppendEvent(ctx, DeliveryEvent{
		NotificationID: id,
		Event:          kind,
		Timestamp:      s.now().UTC(),
		Metadata:       meta,
	})
}

func (s *service) Events(ctx context.Context, id string) ([]DeliveryEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.repo.Events(ctx, id)
}
