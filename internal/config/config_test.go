package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 3001},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "paging"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Calls.MaxAttempts != 3 || c.Calls.ExpiryWindow != 5*time.Minute {
		t.Fatalf("unexpected call policy defaults: %+v", c.Calls)
	}
	if c.Calls.ExpiryPolicy != "fixed" || c.Calls.FinishOutcome != "called" || c.Calls.SynthesisMode != "outside" {
		t.Fatalf("unexpected call policy defaults: %+v", c.Calls)
	}
	if c.Dispatch.Interval != 500*time.Millisecond {
		t.Fatalf("expected 500ms dispatch interval, got %v", c.Dispatch.Interval)
	}
	if c.Speech.Voice != "pt-BR-AntonioNeural" {
		t.Fatalf("unexpected voice default %q", c.Speech.Voice)
	}
	if len(c.App.CORSOrigins) != 1 || c.App.CORSOrigins[0] != "*" {
		t.Fatalf("expected wildcard cors default, got %v", c.App.CORSOrigins)
	}
}

func TestValidate_RejectsUnknownPolicies(t *testing.T) {
	c := validLocal()
	c.Calls.ExpiryPolicy = "forever"
	c.Calls.FinishOutcome = "done"
	c.Calls.MaxAttempts = 7
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"CALL_EXPIRY_POLICY", "CALL_FINISH_OUTCOME", "CALL_MAX_ATTEMPTS"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestLoad_ParsesEnv(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "3001")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "paging")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("CALL_EXPIRY_POLICY", "extend")
	t.Setenv("DISPATCH_INTERVAL", "250ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://panel.local, chrome-extension://abc")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Calls.ExpiryPolicy != "extend" || c.Dispatch.Interval != 250*time.Millisecond {
		t.Fatalf("unexpected config: %+v", c)
	}
	if len(c.App.CORSOrigins) != 2 {
		t.Fatalf("expected two origins, got %v", c.App.CORSOrigins)
	}
	if c.RedisAddr() != "redis:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}

func TestLoad_ReportsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "3001")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "paging")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("TTS_TIMEOUT", "soon")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "TTS_TIMEOUT") {
		t.Fatalf("expected TTS_TIMEOUT error, got %v", err)
	}
}
