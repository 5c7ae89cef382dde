package server_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/logging"
	"github.com/Tyrowin/roomhub/internal/registry"
	"github.com/Tyrowin/roomhub/internal/server"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := server.NewConfig()

	if cfg.Port != ":8080" || cfg.MaxMessageSize != 4096 {
		t.Fatalf("Unexpected defaults %+v", cfg)
	}
	if cfg.RateLimit.Burst != 5 || cfg.RateLimit.RefillInterval != time.Second {
		t.Fatalf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Registry != registry.DefaultConfig() {
		t.Fatalf("Unexpected registry defaults %+v", cfg.Registry)
	}
	if cfg.Log != logging.DefaultConfig() {
		t.Fatalf("Unexpected log defaults %+v", cfg.Log)
	}
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("MAX_TOTAL_CONNECTIONS", "50")
	t.Setenv("MAX_CONNECTIONS_PER_ROOM", "5")
	t.Setenv("HANDSHAKE_TIMEOUT", "2s")
	t.Setenv("LOCK_TIMEOUT", "250ms")
	t.Setenv("IDLE_TIMEOUT", "90")
	t.Setenv("MESSAGE_TIMEOUT", "1s")
	t.Setenv("CLEANUP_INTERVAL", "30s")
	t.Setenv("MAX_SEND_RETRIES", "4")
	t.Setenv("INITIAL_BACKOFF", "20ms")
	t.Setenv("BACKOFF_CAP", "2s")

	cfg := server.NewConfigFromEnv()

	if cfg.Port != ":9090" || cfg.MaxMessageSize != 1024 {
		t.Fatalf("Unexpected server settings %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("Unexpected origins %q", cfg.AllowedOrigins)
	}
	if cfg.RateLimit.Burst != 10 || cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Fatalf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != logging.FormatJSON {
		t.Fatalf("Unexpected log settings %+v", cfg.Log)
	}

	want := registry.DefaultConfig()
	want.MaxTotal = 50
	want.MaxPerRoom = 5
	want.HandshakeTimeout = 2 * time.Second
	want.LockTimeout = 250 * time.Millisecond
	want.IdleTimeout = 90 * time.Second
	want.MessageTimeout = time.Second
	want.CleanupInterval = 30 * time.Second
	want.MaxRetries = 4
	want.InitialBackoff = 20 * time.Millisecond
	want.BackoffCap = 2 * time.Second
	if cfg.Registry != want {
		t.Fatalf("Unexpected registry settings\n got %+v\nwant %+v", cfg.Registry, want)
	}
}

func TestNewConfigFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "-5")
	t.Setenv("RATE_LIMIT_BURST", "lots")
	t.Setenv("MAX_TOTAL_CONNECTIONS", "0")
	t.Setenv("LOCK_TIMEOUT", "soon")

	cfg := server.NewConfigFromEnv()
	def := server.NewConfig()

	if cfg.MaxMessageSize != def.MaxMessageSize || cfg.RateLimit.Burst != def.RateLimit.Burst {
		t.Fatalf("Invalid values were applied: %+v", cfg)
	}
	if cfg.Registry.MaxTotal != def.Registry.MaxTotal || cfg.Registry.LockTimeout != def.Registry.LockTimeout {
		t.Fatalf("Invalid registry values were applied: %+v", cfg.Registry)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomhub.yaml")
	writeFile(t, path, `
port: ":7000"
allowed_origins:
  - https://chat.example.com
rate_limit:
  burst: 20
  refill_interval: 2s
log:
  level: warn
  format: json
registry:
  max_total_connections: 300
  max_connections_per_room: 30
  idle_timeout: 10m
  cleanup_interval: 1m
  backoff_cap: 5s
  admission_rate: 50
`)

	cfg, err := server.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Port != ":7000" || len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://chat.example.com" {
		t.Fatalf("Unexpected server settings %+v", cfg)
	}
	if cfg.RateLimit.Burst != 20 || cfg.RateLimit.RefillInterval != 2*time.Second {
		t.Fatalf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != logging.FormatJSON {
		t.Fatalf("Unexpected log settings %+v", cfg.Log)
	}
	r := cfg.Registry
	if r.MaxTotal != 300 || r.MaxPerRoom != 30 || r.IdleTimeout != 10*time.Minute ||
		r.CleanupInterval != time.Minute || r.BackoffCap != 5*time.Second || r.AdmissionRate != 50 {
		t.Fatalf("Unexpected registry settings %+v", r)
	}
	if r.LockTimeout != registry.DefaultConfig().LockTimeout {
		t.Fatalf("Unset field lost its default: %v", r.LockTimeout)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomhub.yaml")
	writeFile(t, path, "port: \":7000\"\nregistry:\n  max_connections_per_room: 30\n")
	t.Setenv("SERVER_PORT", ":7100")

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != ":7100" || cfg.Registry.MaxPerRoom != 30 {
		t.Fatalf("Unexpected layering %+v", cfg)
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := server.LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != server.NewConfig().Port {
		t.Fatalf("Unexpected port %q", cfg.Port)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown field", "prot: \":1\"\n", "prot"},
		{"bad duration", "registry:\n  idle_timeout: forever\n", "registry.idle_timeout"},
		{"negative duration", "registry:\n  lock_timeout: -1s\n", "registry.lock_timeout"},
		{"bad yaml", "port: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			writeFile(t, path, tt.content)

			_, err := server.LoadConfigFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := server.LoadConfigFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}

func TestEmptyConfigFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, path, "")

	cfg, err := server.LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Registry != registry.DefaultConfig() {
		t.Fatalf("Unexpected registry settings %+v", cfg.Registry)
	}
}

func TestWatchConfigReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomhub.yaml")
	writeFile(t, path, "registry:\n  max_connections_per_room: 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *server.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- server.WatchConfig(ctx, path, zerolog.Nop(), func(c *server.Config) { applied <- c })
	}()

	// Give the watcher time to register before the write.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, "registry:\n  max_connections_per_room: 42\n")

	select {
	case cfg := <-applied:
		if cfg.Registry.MaxPerRoom != 42 {
			t.Fatalf("Expected reloaded limit 42, got %d", cfg.Registry.MaxPerRoom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Config change was not picked up")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WatchConfig: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchConfig did not return after cancel")
	}
}

func TestWatchConfigIgnoresBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomhub.yaml")
	writeFile(t, path, "port: \":1\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *server.Config, 4)
	go func() {
		_ = server.WatchConfig(ctx, path, zerolog.Nop(), func(c *server.Config) { applied <- c })
	}()

	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, "registry:\n  idle_timeout: whenever\n")

	select {
	case cfg := <-applied:
		t.Fatalf("Broken config was applied: %+v", cfg)
	case <-time.After(time.Second):
	}
}
