package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomhub/internal/logging"
	"github.com/Tyrowin/roomhub/internal/registry"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls
// and the registry limits.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	Log            logging.Config
	Registry       registry.Config
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Log:      logging.DefaultConfig(),
		Registry: registry.DefaultConfig(),
	}
}

// sanitize fills every unset or invalid field with its default.
func (c Config) sanitize() Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	c.Log.Format = logging.ParseFormat(string(c.Log.Format))

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	c.Registry = c.Registry.Sanitize()
	return c
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

// applyEnv overlays every set environment variable onto cfg.
func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDurationValue(interval, cfg.RateLimit.RefillInterval)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = logging.ParseFormat(format)
	}

	reg := &cfg.Registry
	envInt("MAX_TOTAL_CONNECTIONS", &reg.MaxTotal)
	envInt("MAX_CONNECTIONS_PER_ROOM", &reg.MaxPerRoom)
	envInt("MAX_SEND_RETRIES", &reg.MaxRetries)
	envDuration("HANDSHAKE_TIMEOUT", &reg.HandshakeTimeout)
	envDuration("LOCK_TIMEOUT", &reg.LockTimeout)
	envDuration("IDLE_TIMEOUT", &reg.IdleTimeout)
	envDuration("MESSAGE_TIMEOUT", &reg.MessageTimeout)
	envDuration("CLEANUP_INTERVAL", &reg.CleanupInterval)
	envDuration("INITIAL_BACKOFF", &reg.InitialBackoff)
	envDuration("BACKOFF_CAP", &reg.BackoffCap)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		*dst = parseIntValue(v, *dst)
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		*dst = parseDurationValue(v, *dst)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDurationValue accepts a Go duration ("250ms", "5s") or a plain
// number of seconds.
func parseDurationValue(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
