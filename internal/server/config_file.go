package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/Tyrowin/roomhub/internal/logging"
)

// fileConfig mirrors Config in the YAML layout. Durations are strings such
// as "250ms" or "5m".
type fileConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	RateLimit      struct {
		Burst          int    `yaml:"burst"`
		RefillInterval string `yaml:"refill_interval"`
	} `yaml:"rate_limit"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Registry struct {
		MaxTotalConnections   int     `yaml:"max_total_connections"`
		MaxConnectionsPerRoom int     `yaml:"max_connections_per_room"`
		HandshakeTimeout      string  `yaml:"handshake_timeout"`
		LockTimeout           string  `yaml:"lock_timeout"`
		IdleTimeout           string  `yaml:"idle_timeout"`
		MessageTimeout        string  `yaml:"message_timeout"`
		CleanupInterval       string  `yaml:"cleanup_interval"`
		MaxSendRetries        int     `yaml:"max_send_retries"`
		InitialBackoff        string  `yaml:"initial_backoff"`
		BackoffCap            string  `yaml:"backoff_cap"`
		BroadcastWorkers      int     `yaml:"broadcast_workers"`
		AdmissionRate         float64 `yaml:"admission_rate"`
		AdmissionBurst        int     `yaml:"admission_burst"`
	} `yaml:"registry"`
}

// LoadConfig builds the configuration from defaults, then the YAML file at
// path when path is not empty, then environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// LoadConfigFile parses the YAML file at path over the defaults. Environment
// variables are not consulted.
func LoadConfigFile(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := loadConfigFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := fc.apply(cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// apply copies every set field onto cfg.
func (fc fileConfig) apply(cfg *Config) error {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxMessageSize > 0 {
		cfg.MaxMessageSize = fc.MaxMessageSize
	}
	if fc.RateLimit.Burst > 0 {
		cfg.RateLimit.Burst = fc.RateLimit.Burst
	}
	if fc.Log.Level != "" {
		cfg.Log.Level = fc.Log.Level
	}
	if fc.Log.Format != "" {
		cfg.Log.Format = logging.ParseFormat(fc.Log.Format)
	}

	reg := &cfg.Registry
	if v := fc.Registry.MaxTotalConnections; v > 0 {
		reg.MaxTotal = v
	}
	if v := fc.Registry.MaxConnectionsPerRoom; v > 0 {
		reg.MaxPerRoom = v
	}
	if v := fc.Registry.MaxSendRetries; v > 0 {
		reg.MaxRetries = v
	}
	if v := fc.Registry.BroadcastWorkers; v > 0 {
		reg.BroadcastWorkers = v
	}
	if v := fc.Registry.AdmissionRate; v > 0 {
		reg.AdmissionRate = v
	}
	if v := fc.Registry.AdmissionBurst; v > 0 {
		reg.AdmissionBurst = v
	}

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"rate_limit.refill_interval", fc.RateLimit.RefillInterval, &cfg.RateLimit.RefillInterval},
		{"registry.handshake_timeout", fc.Registry.HandshakeTimeout, &reg.HandshakeTimeout},
		{"registry.lock_timeout", fc.Registry.LockTimeout, &reg.LockTimeout},
		{"registry.idle_timeout", fc.Registry.IdleTimeout, &reg.IdleTimeout},
		{"registry.message_timeout", fc.Registry.MessageTimeout, &reg.MessageTimeout},
		{"registry.cleanup_interval", fc.Registry.CleanupInterval, &reg.CleanupInterval},
		{"registry.initial_backoff", fc.Registry.InitialBackoff, &reg.InitialBackoff},
		{"registry.backoff_cap", fc.Registry.BackoffCap, &reg.BackoffCap},
	}
	for _, d := range durations {
		v, err := parseDurationField(d.path, d.raw)
		if err != nil {
			return err
		}
		if v > 0 {
			*d.dst = v
		}
	}
	return nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
