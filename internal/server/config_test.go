package server

import (
	"testing"
	"time"
)

// TestDefaultConfig verifies defaults are applied when resetting with nil.
func TestDefaultConfig(t *testing.T) {
	SetConfig(nil)
	t.Cleanup(func() { SetConfig(nil) })

	cfg := currentConfig()
	if cfg.Port != ":8080" {
		t.Errorf("default port = %q; want \":8080\"", cfg.Port)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("default redis addr = %q; want \"localhost:6379\"", cfg.RedisAddr)
	}
	if cfg.SessionCookie != "session" {
		t.Errorf("default session cookie = %q; want \"session\"", cfg.SessionCookie)
	}
}

// TestSetConfigSanitizesValues verifies that zero or negative settings fall
// back to safe defaults instead of being applied.
func TestSetConfigSanitizesValues(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{
		Port:           "",
		MaxMessageSize: -1,
		RateLimit: RateLimitConfig{
			Burst:          0,
			RefillInterval: -time.Second,
		},
	})

	cfg := currentConfig()
	if cfg.Port != ":8080" {
		t.Errorf("sanitized port = %q; want \":8080\"", cfg.Port)
	}
	if cfg.MaxMessageSize <= 0 {
		t.Errorf("sanitized max message size = %d; want positive", cfg.MaxMessageSize)
	}
	if cfg.RateLimit.Burst <= 0 {
		t.Errorf("sanitized burst = %d; want positive", cfg.RateLimit.Burst)
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		t.Errorf("sanitized refill interval = %s; want positive", cfg.RateLimit.RefillInterval)
	}
}

// TestNewConfigFromEnv verifies that environment variables override the
// defaults.
func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9999")
	t.Setenv("ALLOWED_ORIGINS", "https://chat.example.com, https://admin.example.com")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SESSION_COOKIE", "sid")
	t.Setenv("RATE_LIMIT_BURST", "10")

	cfg := NewConfigFromEnv()

	if cfg.Port != ":9999" {
		t.Errorf("port = %q; want \":9999\"", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://chat.example.com" {
		t.Errorf("allowed origins = %v; want two trimmed entries", cfg.AllowedOrigins)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("redis addr = %q; want \"redis:6379\"", cfg.RedisAddr)
	}
	if cfg.SessionCookie != "sid" {
		t.Errorf("session cookie = %q; want \"sid\"", cfg.SessionCookie)
	}
	if cfg.RateLimit.Burst != 10 {
		t.Errorf("burst = %d; want 10", cfg.RateLimit.Burst)
	}
}

// TestNewConfigFromEnvIgnoresInvalidValues verifies that unparsable numeric
// settings keep their defaults.
func TestNewConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("RATE_LIMIT_BURST", "-3")

	defaults := defaultConfig()
	cfg := NewConfigFromEnv()

	if cfg.MaxMessageSize != defaults.MaxMessageSize {
		t.Errorf("max message size = %d; want default %d", cfg.MaxMessageSize, defaults.MaxMessageSize)
	}
	if cfg.RateLimit.Burst != defaults.RateLimit.Burst {
		t.Errorf("burst = %d; want default %d", cfg.RateLimit.Burst, defaults.RateLimit.Burst)
	}
}
