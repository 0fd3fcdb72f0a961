package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// Sink receives the alerts of one evaluation. Deduplication across
// evaluations is the sink's concern.
type Sink interface {
	Emit(ctx context.Context, alerts []Alert) error
}

type LogSink struct{}

func (LogSink) Emit(_ context.Context, alerts []Alert) error {
	for _, a := range alerts {
		level := slog.LevelWarn
		if a.Severity == SeverityCritical {
			level = slog.LevelError
		}
		slog.Log(context.Background(), level, "alert",
			slog.String("rule", a.Rule),
			slog.String("severity", string(a.Severity)),
			slog.String("metric", a.Metric),
			slog.Float64("value", a.Value),
			slog.Float64("threshold", a.Threshold),
			slog.String("instance", a.Instance),
			slog.String("message", a.Message),
		)
	}
	return nil
}

// Publisher is satisfied by the Kafka writer.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// KafkaSink publishes each alert keyed by rule name.
type KafkaSink struct {
	pub Publisher
}

func NewKafkaSink(p Publisher) *KafkaSink { return &KafkaSink{pub: p} }

func (k *KafkaSink) Emit(ctx context.Context, alerts []Alert) error {
	var errs []error
	for _, a := range alerts {
		b, err := json.Marshal(a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := k.pub.Publish(ctx, a.Rule, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
