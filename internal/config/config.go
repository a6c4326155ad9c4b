package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

const (
	CodeFormatUUID  = "uuid"
	CodeFormatShort = "short"
)

type Config struct {
	Port            int    `env:"PORT" envDefault:"8080"`
	DatabaseURL     string `env:"DATABASE_URL,required"`
	RedisURL        string `env:"REDIS_URL"`
	NATSURL         string `env:"NATS_URL"`
	RealtimeBackend string `env:"REALTIME_BACKEND" envDefault:"redis"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	PairingBaseURL  string `env:"PAIRING_BASE_URL" envDefault:""`
	CodeFormat      string `env:"PAIRING_CODE_FORMAT" envDefault:"uuid"`
	AdminTokenHash  string `env:"ADMIN_TOKEN_HASH"`
	KioskMode       bool   `env:"KIOSK_MODE" envDefault:"true"`
	DeviceLabel     string `env:"DEVICE_LABEL" envDefault:""`

	PairingWindow       time.Duration `env:"PAIRING_WINDOW" envDefault:"10m"`
	TransferWindow      time.Duration `env:"TRANSFER_WINDOW" envDefault:"5m"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	NotifierRetryDelay  time.Duration `env:"NOTIFIER_RETRY_DELAY" envDefault:"2s"`
	NotifierHardTimeout time.Duration `env:"NOTIFIER_HARD_TIMEOUT" envDefault:"10m"`
	AuthRetryAttempts   int           `env:"AUTH_RETRY_ATTEMPTS" envDefault:"3"`
	AuthRetryDelay      time.Duration `env:"AUTH_RETRY_DELAY" envDefault:"1s"`

	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"2m"`
	CleanupMaxAge     time.Duration `env:"CLEANUP_MAX_AGE" envDefault:"0s"`
	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT" envDefault:"10m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	OrphanThreshold   time.Duration `env:"ORPHAN_THRESHOLD" envDefault:"5m"`

	CompleteRateLimit int `env:"COMPLETE_RATE_LIMIT" envDefault:"10"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// PairingURL is the link encoded into the kiosk QR code.
func (c *Config) PairingURL(code string) string {
	base := strings.TrimRight(c.PairingBaseURL, "/")
	return fmt.Sprintf("%s/pair?code=%s", base, code)
}

func (c *Config) Validate(isProduction bool) error {
	switch c.RealtimeBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_BACKEND=redis")
		}
	case BackendNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when REALTIME_BACKEND=nats")
		}
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown REALTIME_BACKEND %q", c.RealtimeBackend)
	}

	switch c.CodeFormat {
	case CodeFormatUUID, CodeFormatShort:
	default:
		return fmt.Errorf("unknown PAIRING_CODE_FORMAT %q", c.CodeFormat)
	}

	if c.AuthRetryAttempts < 1 {
		return fmt.Errorf("AUTH_RETRY_ATTEMPTS must be at least 1")
	}
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"PAIRING_WINDOW", c.PairingWindow},
		{"TRANSFER_WINDOW", c.TransferWindow},
		{"POLL_INTERVAL", c.PollInterval},
		{"NOTIFIER_RETRY_DELAY", c.NotifierRetryDelay},
		{"NOTIFIER_HARD_TIMEOUT", c.NotifierHardTimeout},
		{"CLEANUP_INTERVAL", c.CleanupInterval},
		{"SESSION_TIMEOUT", c.SessionTimeout},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"ORPHAN_THRESHOLD", c.OrphanThreshold},
	}
	for _, d := range positive {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if c.AuthRetryDelay < 0 || c.CleanupMaxAge < 0 {
		return fmt.Errorf("AUTH_RETRY_DELAY and CLEANUP_MAX_AGE must not be negative")
	}
	if c.TransferWindow > c.PairingWindow {
		log.Warn().
			Dur("transferWindow", c.TransferWindow).
			Dur("pairingWindow", c.PairingWindow).
			Msg("TRANSFER_WINDOW is longer than PAIRING_WINDOW")
	}

	if c.AdminTokenHash != "" {
		if !strings.HasPrefix(c.AdminTokenHash, "$2a$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2b$") &&
			!strings.HasPrefix(c.AdminTokenHash, "$2y$") {
			return fmt.Errorf("ADMIN_TOKEN_HASH must be a bcrypt hash (generate with: go run scripts/hash-password.go <token>)")
		}
	}

	if isProduction {
		if c.AdminTokenHash == "" {
			log.Warn().Msg("ADMIN_TOKEN_HASH is empty in production: ops endpoints are disabled")
		}
		if c.RealtimeBackend == BackendMemory {
			log.Warn().Msg("REALTIME_BACKEND=memory in production: realtime events are not shared between instances")
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
