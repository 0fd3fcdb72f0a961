package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")
	t.Setenv("JWT_SECRET", "legacy")
	t.Setenv("TOKEN_SIGNING_SECRET", "sign")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AppPort != ":8086" || cfg.Tokens.TTL != time.Hour || cfg.Tokens.RefreshAfter != 45*time.Minute {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.SSE.HeartbeatInterval != 25*time.Second || cfg.MaxPerUser != 500 {
		t.Fatalf("sse/store defaults = %+v", cfg.SSE)
	}
	if cfg.Tokens.SessionSecret != "legacy" {
		t.Fatalf("session secret = %q", cfg.Tokens.SessionSecret)
	}
	if cfg.InstanceID == "" {
		t.Fatal("instance id should default to the hostname")
	}
	if cfg.OTEL.Endpoint != "otel-collector:4318" || cfg.OTEL.ServiceName != "notification-hub" || cfg.OTEL.SamplerRatio != 1 {
		t.Fatalf("otel = %+v", cfg.OTEL)
	}
	if cfg.Redis.Addr() != "redis://localhost:6379/0" {
		t.Fatalf("redis = %s", cfg.Redis.Addr())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadOTELOverrides(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "hub-eu")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OTEL != (OTELConfig{Endpoint: "collector:4318", ServiceName: "hub-eu", SamplerRatio: 0.25}) {
		t.Fatalf("otel = %+v", cfg.OTEL)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Tokens: TokenConfig{SigningSecret: "a", SessionSecret: "b", TTL: time.Hour, RefreshAfter: 45 * time.Minute},
			SSE:    SSEConfig{MaxMissedHeartbeats: 3},
		}
	}
	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"signing", func(c *Config) { c.Tokens.SigningSecret = "" }, "TOKEN_SIGNING_SECRET"},
		{"session", func(c *Config) { c.Tokens.SessionSecret = "" }, "SESSION_JWT_SECRET"},
		{"refresh", func(c *Config) { c.Tokens.RefreshAfter = 2 * time.Hour }, "TOKEN_REFRESH_AFTER"},
		{"heartbeats", func(c *Config) { c.SSE.MaxMissedHeartbeats = 0 }, "SSE_MAX_MISSED_HEARTBEATS"},
		{"sampler", func(c *Config) { c.OTEL.SamplerRatio = 1.5 }, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tt := range tests {
		c := base()
		tt.mod(c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestResolveSecretsDisabled(t *testing.T) {
	cfg := &Config{Tokens: TokenConfig{SigningSecret: "env"}}
	if err := ResolveSecrets(t.Context(), cfg); err != nil || cfg.Tokens.SigningSecret != "env" {
		t.Fatalf("err = %v, secret = %q", err, cfg.Tokens.SigningSecret)
	}
	cfg.Vault.Addr = "http://vault:8200"
	if err := ResolveSecrets(t.Context(), cfg); err == nil {
		t.Fatal("expected error without token and path")
	}
}
