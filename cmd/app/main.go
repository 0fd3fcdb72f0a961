package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"notification-hub/internal/broker"
	"notification-hub/internal/config"
	"notification-hub/internal/idem"
	"notification-hub/internal/kafka"
	"notification-hub/internal/metrics"
	"notification-hub/internal/notification"
	"notification-hub/internal/ratelimit"
	"notification-hub/internal/shared/httpx"
	"notification-hub/internal/shared/jwt"
	"notification-hub/internal/shared/logging"
	"notification-hub/internal/shared/redisx"
	"notification-hub/internal/token"
)

func initOTEL(ctx context.Context, env string, oc config.OTELConfig) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(oc.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(oc.ServiceName),
			attribute.String("deployment.environment", env),
		),
	)

	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(oc.SamplerRatio))),
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}

type app struct {
	cfg       *config.Config
	rdb       *redis.Client
	tokens    *token.Service
	sessions  *jwt.Verifier
	limiter   *ratelimit.Limiter
	stream    *notification.Stream
	notes     notification.Service
	broker    *broker.Broker
	collector *metrics.Collector
	rules     *metrics.RuleSet
	alerts    *kafka.Writer
}

func newApp(ctx context.Context, cfg *config.Config, rdb *redis.Client, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, rdb: rdb}

	a.sessions = jwt.NewVerifier(cfg.Tokens.SessionSecret)
	a.tokens = token.NewService(cfg.Tokens.SigningSecret,
		token.WithTTL(cfg.Tokens.TTL, cfg.Tokens.RefreshAfter),
		token.WithTimeout(cfg.Tokens.Timeout),
	)
	a.limiter = ratelimit.New(rdb, cfg.RateLimit.Timeout)

	stream, err := notification.NewStream(ctx, rdb, cfg.SSE.BufferSize*4)
	if err != nil {
		return nil, err
	}
	a.stream = stream
	a.notes = notification.NewService(notification.NewRedisRepository(rdb), stream, notification.Options{
		Timeout:    cfg.StoreTimeout,
		MaxPerUser: int(cfg.MaxPerUser),
	})

	a.broker = broker.New(broker.Config{
		InstanceID:          cfg.InstanceID,
		HeartbeatInterval:   cfg.SSE.HeartbeatInterval,
		MaxMissedHeartbeats: cfg.SSE.MaxMissedHeartbeats,
		BufferSize:          cfg.SSE.BufferSize,
	}, a.tokens, stream, a.notes)

	a.rules, err = metrics.NewRuleSet(cfg.Metrics.RulesFile)
	if err != nil {
		return nil, err
	}
	sinks := []metrics.Sink{metrics.LogSink{}}
	if cfg.Kafka.AlertsTopic != "" {
		a.alerts = kafka.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic)
		sinks = append(sinks, metrics.NewKafkaSink(a.alerts))
	}
	a.collector, err = metrics.NewCollector(a.broker, a.limiter, metrics.Options{
		Instance:   cfg.InstanceID,
		Interval:   cfg.Metrics.Interval,
		Rules:      a.rules,
		Sinks:      sinks,
		Reporter:   metrics.NewReporter(rdb, 3*cfg.Metrics.Interval),
		PubSub:     stream,
		Registerer: reg,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) routes() http.Handler {
	rl := a.cfg.RateLimit
	var (
		streamPolicy = ratelimit.Policy{Name: "stream", Limit: rl.StreamLimit, Window: rl.StreamWindow}
		tokenPolicy  = ratelimit.Policy{Name: "token", Limit: rl.TokenLimit, Window: rl.TokenWindow}
		apiPolicy    = ratelimit.Policy{Name: "api", Limit: rl.APILimit, Window: rl.APIWindow}
		anonPolicy   = ratelimit.Policy{Name: "anon", Limit: rl.AnonLimit, Window: rl.AnonWindow}
	)
	session := httpx.SessionAuth(a.sessions)

	// guard authenticates, limits per principal (or per IP when anonymous)
	// and then rejects anonymous callers.
	guard := func(p ratelimit.Policy, h http.Handler, auths ...httpx.Authenticator) http.Handler {
		return httpx.Authenticate(a.limiter.LimitHTTP(p, anonPolicy, httpx.RequireAuth(h)), auths...)
	}
	admin := func(h http.Handler) http.Handler {
		return guard(apiPolicy, httpx.RequireAdmin(h), session)
	}

	th := token.NewHandler(a.tokens)
	nh := notification.NewHandler(a.notes)
	bh := broker.NewHandler(a.broker, a.cfg.SSE.WriteTimeout)
	mh := metrics.NewHandler(a.collector)

	mux := http.NewServeMux()
	mux.Handle("POST /realtime/token", guard(tokenPolicy, th.Wrap(th.Issue), session))
	mux.Handle("POST /realtime/token/refresh", guard(tokenPolicy, th.Wrap(th.Refresh), session))

	// the broker verifies the connection token itself so rejected tokens are counted
	mux.Handle("GET /realtime/stream",
		httpx.Authenticate(a.limiter.LimitHTTP(streamPolicy, anonPolicy, bh.Wrap(bh.Stream)), a.tokens))
	mux.Handle("POST /realtime/connections/{id}/ack", guard(apiPolicy, bh.Wrap(bh.Ack), a.tokens))

	mux.Handle("GET /realtime/poll", guard(apiPolicy, nh.Wrap(nh.Poll), session, a.tokens))
	mux.Handle("GET /notifications", guard(apiPolicy, nh.Wrap(nh.List), session, a.tokens))
	mux.Handle("GET /notifications/unread-count", guard(apiPolicy, nh.Wrap(nh.UnreadCount), session, a.tokens))
	mux.Handle("POST /notifications/read", guard(apiPolicy, nh.Wrap(nh.MarkRead), session, a.tokens))
	mux.Handle("GET /notifications/{id}/events", guard(apiPolicy, nh.Wrap(nh.Events), session, a.tokens))
	mux.Handle("POST /notifications/{id}/events", guard(apiPolicy, nh.Wrap(nh.TrackEvent), session, a.tokens))

	mux.Handle("POST /admin/notifications", admin(nh.Wrap(nh.Create)))
	mux.Handle("POST /admin/notifications/broadcast", admin(nh.Wrap(nh.Broadcast)))
	mux.Handle("GET /admin/metrics", httpx.AuthMiddleware(httpx.RequireAdmin(httpx.Wrap(mh.Admin)), session))
	mux.Handle("GET /admin/connections", httpx.AuthMiddleware(httpx.RequireAdmin(bh.Wrap(bh.Connections)), session))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, err, "redis_unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// newHTTPServer sets no WriteTimeout: SSE streams are long-lived and set a
// deadline per write.
func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(h, "http.server"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger.With(slog.String("instance", cfg.InstanceID)))

	if err := config.ResolveSecrets(ctx, cfg); err != nil {
		slog.Error("resolve secrets", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	shutdown, err := initOTEL(ctx, cfg.Env, cfg.OTEL)
	if err != nil {
		slog.Warn("otel disabled", slog.Any("error", err))
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		c, cc := context.WithTimeout(context.Background(), 5*time.Second)
		defer cc()
		_ = shutdown(c)
	}()

	rdb, err := redisx.Open(ctx, cfg.Redis.Addr())
	if err != nil {
		slog.Error("redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	a, err := newApp(ctx, cfg, rdb, prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("init", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = a.stream.Close() }()
	if a.alerts != nil {
		defer func() { _ = a.alerts.Close() }()
	}

	go func() {
		if err := a.broker.Run(ctx, a.stream.Notifications(), a.stream.Acks()); err != nil {
			slog.Error("broker stopped", slog.Any("error", err))
		}
	}()
	go a.collector.Run(ctx)
	go func() {
		if err := a.rules.Watch(ctx); err != nil {
			slog.Warn("alert rules watcher stopped", slog.Any("error", err))
		}
	}()

	if cfg.Kafka.IngestEnabled {
		cons := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic,
			kafka.IngestHandler(a.notes, idem.New(rdb), kafka.IngestOptions{}))
		go func() {
			slog.Info("kafka ingest started",
				slog.String("topic", cfg.Kafka.Topic), slog.String("group", cfg.Kafka.GroupID))
			if err := cons.Run(ctx); err != nil {
				slog.Error("consumer stopped", slog.Any("error", err))
			}
		}()
	}

	srv := newHTTPServer(cfg.AppPort, a.routes())
	go func() {
		slog.Info("notification-hub listening", slog.String("addr", cfg.AppPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down")

	// end open streams first so Shutdown does not wait on them
	a.broker.Shutdown()
	shCtx, shCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancel()
}
