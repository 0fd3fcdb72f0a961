package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppPort    string `env:"APP_PORT" envDefault:":8086"`
	InstanceID string `env:"INSTANCE_ID"`
	Env        string `env:"ENV" envDefault:"local"`

	Redis     RedisConfig
	Tokens    TokenConfig
	SSE       SSEConfig
	RateLimit RateLimitConfig
	Kafka     KafkaConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Vault     VaultConfig
	OTEL      OTELConfig

	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	MaxPerUser      int64         `env:"NOTIFICATION_MAX_PER_USER" envDefault:"500"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type RedisConfig struct {
	URL  string `env:"REDIS_URL"`
	Host string `env:"REDIS_HOST" envDefault:"localhost"`
	Port string `env:"REDIS_PORT" envDefault:"6379"`
}

// Addr returns the connection string, building one from host/port when REDIS_URL is unset.
func (r RedisConfig) Addr() string {
	if r.URL != "" {
		return r.URL
	}
	return fmt.Sprintf("redis://%s:%s/0", r.Host, r.Port)
}

type TokenConfig struct {
	SigningSecret string        `env:"TOKEN_SIGNING_SECRET"`
	SessionSecret string        `env:"SESSION_JWT_SECRET"`
	LegacySecret  string        `env:"JWT_SECRET"`
	TTL           time.Duration `env:"TOKEN_TTL" envDefault:"60m"`
	RefreshAfter  time.Duration `env:"TOKEN_REFRESH_AFTER" envDefault:"45m"`
	Timeout       time.Duration `env:"TOKEN_TIMEOUT" envDefault:"1s"`
}

type SSEConfig struct {
	HeartbeatInterval   time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"25s"`
	MaxMissedHeartbeats int           `env:"SSE_MAX_MISSED_HEARTBEATS" envDefault:"3"`
	BufferSize          int           `env:"SSE_BUFFER_SIZE" envDefault:"64"`
	WriteTimeout        time.Duration `env:"SSE_WRITE_TIMEOUT" envDefault:"10s"`
}

type RateLimitConfig struct {
	Timeout      time.Duration `env:"RATE_LIMIT_TIMEOUT" envDefault:"500ms"`
	StreamLimit  int64         `env:"RATE_LIMIT_STREAM_LIMIT" envDefault:"10"`
	StreamWindow time.Duration `env:"RATE_LIMIT_STREAM_WINDOW" envDefault:"1m"`
	TokenLimit   int64         `env:"RATE_LIMIT_TOKEN_LIMIT" envDefault:"20"`
	TokenWindow  time.Duration `env:"RATE_LIMIT_TOKEN_WINDOW" envDefault:"1m"`
	APILimit     int64         `env:"RATE_LIMIT_API_LIMIT" envDefault:"120"`
	APIWindow    time.Duration `env:"RATE_LIMIT_API_WINDOW" envDefault:"1m"`
	AnonLimit    int64         `env:"RATE_LIMIT_ANON_LIMIT" envDefault:"30"`
	AnonWindow   time.Duration `env:"RATE_LIMIT_ANON_WINDOW" envDefault:"1m"`
}

type KafkaConfig struct {
	IngestEnabled bool   `env:"KAFKA_INGEST_ENABLED" envDefault:"false"`
	Brokers       string `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"kafka:9092"`
	GroupID       string `env:"KAFKA_GROUP_ID" envDefault:"notification-hub"`
	Topic         string `env:"KAFKA_TOPIC_NOTIFICATIONS" envDefault:"notifications.requested"`
	AlertsTopic   string `env:"KAFKA_TOPIC_ALERTS"`
}

type MetricsConfig struct {
	Interval  time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	RulesFile string        `env:"ALERT_RULES_FILE"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

type VaultConfig struct {
	Addr  string `env:"VAULT_ADDR"`
	Token string `env:"VAULT_TOKEN"`
	Path  string `env:"VAULT_PATH"`
}

type OTELConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"otel-collector:4318"`
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"notification-hub"`
	SamplerRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		cfg.InstanceID = host
	}
	if cfg.Tokens.SessionSecret == "" {
		cfg.Tokens.SessionSecret = cfg.Tokens.LegacySecret
	}
	return cfg, nil
}

// Validate reports configuration that cannot produce a working server.
func (c *Config) Validate() error {
	if c.Tokens.SigningSecret == "" {
		return errors.New("TOKEN_SIGNING_SECRET is required")
	}
	if c.Tokens.SessionSecret == "" {
		return errors.New("SESSION_JWT_SECRET (or JWT_SECRET) is required")
	}
	if c.Tokens.RefreshAfter >= c.Tokens.TTL {
		return fmt.Errorf("TOKEN_REFRESH_AFTER (%s) must be shorter than TOKEN_TTL (%s)", c.Tokens.RefreshAfter, c.Tokens.TTL)
	}
	if c.SSE.MaxMissedHeartbeats < 1 {
		return errors.New("SSE_MAX_MISSED_HEARTBEATS must be at least 1")
	}
	if c.OTEL.SamplerRatio < 0 || c.OTEL.SamplerRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG (%g) must be within [0, 1]", c.OTEL.SamplerRatio)
	}
	return nil
}
