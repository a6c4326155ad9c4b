package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:         "postgres://localhost/test",
		RedisURL:            "redis://localhost:6379",
		RealtimeBackend:     BackendRedis,
		CodeFormat:          CodeFormatUUID,
		PairingWindow:       10 * time.Minute,
		TransferWindow:      5 * time.Minute,
		PollInterval:        3 * time.Second,
		NotifierRetryDelay:  2 * time.Second,
		NotifierHardTimeout: 10 * time.Minute,
		AuthRetryAttempts:   3,
		AuthRetryDelay:      time.Second,
		CleanupInterval:     2 * time.Minute,
		SessionTimeout:      10 * time.Minute,
		HeartbeatInterval:   30 * time.Second,
		OrphanThreshold:     5 * time.Minute,
	}
}

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("PairingURL embeds the code", func(t *testing.T) {
		cfg := &Config{PairingBaseURL: "https://shop.example.com/"}
		assert.Equal(t, "https://shop.example.com/pair?code=ABC123", cfg.PairingURL("ABC123"))
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate(false))
	})

	t.Run("durations must be positive", func(t *testing.T) {
		for name, zero := range map[string]func(*Config){
			"NOTIFIER_RETRY_DELAY":  func(c *Config) { c.NotifierRetryDelay = 0 },
			"NOTIFIER_HARD_TIMEOUT": func(c *Config) { c.NotifierHardTimeout = 0 },
			"PAIRING_WINDOW":        func(c *Config) { c.PairingWindow = -time.Second },
			"POLL_INTERVAL":         func(c *Config) { c.PollInterval = 0 },
			"ORPHAN_THRESHOLD":      func(c *Config) { c.OrphanThreshold = 0 },
		} {
			cfg := validConfig()
			zero(cfg)
			assert.ErrorContains(t, cfg.Validate(false), name)
		}
	})

	t.Run("negative retry delay is rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.AuthRetryDelay = -time.Second
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("redis backend requires REDIS_URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.RedisURL = ""
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("nats backend requires NATS_URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.RealtimeBackend = BackendNATS
		assert.Error(t, cfg.Validate(false))

		cfg.NATSURL = "nats://localhost:4222"
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("postgres and memory backends need no extra url", func(t *testing.T) {
		cfg := validConfig()
		cfg.RedisURL = ""
		cfg.RealtimeBackend = BackendPostgres
		assert.NoError(t, cfg.Validate(false))

		cfg.RealtimeBackend = BackendMemory
		assert.NoError(t, cfg.Validate(true))
	})

	t.Run("rejects unknown backend", func(t *testing.T) {
		cfg := validConfig()
		cfg.RealtimeBackend = "kafka"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects unknown code format", func(t *testing.T) {
		cfg := validConfig()
		cfg.CodeFormat = "emoji"
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects zero retry attempts", func(t *testing.T) {
		cfg := validConfig()
		cfg.AuthRetryAttempts = 0
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-bcrypt admin hash", func(t *testing.T) {
		cfg := validConfig()
		cfg.AdminTokenHash = "plaintext"
		assert.Error(t, cfg.Validate(false))

		cfg.AdminTokenHash = "$2a$10$abcdefghijklmnopqrstuv"
		assert.NoError(t, cfg.Validate(false))
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "REALTIME_BACKEND", "LOG_LEVEL",
		"PAIRING_WINDOW", "TRANSFER_WINDOW", "AUTH_RETRY_ATTEMPTS", "CLEANUP_INTERVAL",
		"ORPHAN_THRESHOLD",
	}
	originalEnv := make(map[string]string, len(keys))
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		for _, k := range keys {
			os.Unsetenv(k)
		}
		os.Setenv("DATABASE_URL", "postgres://localhost/test")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, BackendRedis, cfg.RealtimeBackend)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 10*time.Minute, cfg.PairingWindow)
		assert.Equal(t, 5*time.Minute, cfg.TransferWindow)
		assert.Equal(t, 2*time.Second, cfg.NotifierRetryDelay)
		assert.Equal(t, 10*time.Minute, cfg.NotifierHardTimeout)
		assert.Equal(t, 3, cfg.AuthRetryAttempts)
		assert.Equal(t, time.Second, cfg.AuthRetryDelay)
		assert.Equal(t, 2*time.Minute, cfg.CleanupInterval)
		assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
		assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
		assert.Equal(t, 5*time.Minute, cfg.OrphanThreshold)
		assert.True(t, cfg.KioskMode)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("PORT", "3000")
		os.Setenv("REALTIME_BACKEND", "nats")
		os.Setenv("PAIRING_WINDOW", "15m")
		os.Setenv("AUTH_RETRY_ATTEMPTS", "5")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, BackendNATS, cfg.RealtimeBackend)
		assert.Equal(t, 15*time.Minute, cfg.PairingWindow)
		assert.Equal(t, 5, cfg.AuthRetryAttempts)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required DATABASE_URL", func(t *testing.T) {
		os.Unsetenv("DATABASE_URL")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails on malformed duration", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("CLEANUP_INTERVAL", "soon")

		_, err := Load()
		assert.Error(t, err)
		os.Unsetenv("CLEANUP_INTERVAL")
	})
}
