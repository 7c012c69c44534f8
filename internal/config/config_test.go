package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.DBDriver != DriverPgx || cfg.FeedBackend != BackendNATS || cfg.PresenceBackend != BackendMemory {
		t.Errorf("unexpected backends %s/%s/%s", cfg.DBDriver, cfg.FeedBackend, cfg.PresenceBackend)
	}
	if cfg.MessagePageSize != 50 || cfg.MessagePageMax != 100 {
		t.Errorf("unexpected page bounds %d/%d", cfg.MessagePageSize, cfg.MessagePageMax)
	}
	if cfg.PresenceTTL != 45*time.Second {
		t.Errorf("PresenceTTL = %v", cfg.PresenceTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_DRIVER", "MEMORY")
	t.Setenv("FEED_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MESSAGE_PAGE_SIZE", "20")
	t.Setenv("PRESENCE_SYNC_INTERVAL", "2s")
	t.Setenv("DB_AUTO_MIGRATE", "false")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg := Load()
	if cfg.ServerPort != "9090" || cfg.DBDriver != DriverMemory || cfg.FeedBackend != BackendRedis {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.MessagePageSize != 20 || cfg.PresenceSyncInterval != 2*time.Second || cfg.DBAutoMigrate {
		t.Errorf("unexpected config %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://admin.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitRequests != 120 {
		t.Errorf("malformed int must fall back to default, got %d", cfg.RateLimitRequests)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.DBDriver = "mysql" }},
		{"redis feed without url", func(c *Config) { c.FeedBackend = BackendRedis; c.RedisURL = "" }},
		{"redis presence without url", func(c *Config) { c.PresenceBackend = BackendRedis; c.RedisURL = "" }},
		{"unknown feed", func(c *Config) { c.FeedBackend = "kafka" }},
		{"page max below size", func(c *Config) { c.MessagePageMax = 10; c.MessagePageSize = 20 }},
		{"ttl below heartbeat", func(c *Config) { c.PresenceTTL = time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
