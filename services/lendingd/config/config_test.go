package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
block_interval: 250ms
event_log:
  driver: " SQLite "
  dsn: "file:events.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.BlockInterval != 250*time.Millisecond {
		t.Fatalf("unexpected block interval %s", cfg.BlockInterval)
	}
	if cfg.EventLog.Driver != "sqlite" {
		t.Fatalf("expected driver to be normalised, got %q", cfg.EventLog.Driver)
	}
	if cfg.Auth.KeeperScope != defaultKeeperScope || cfg.GenesisPath != defaultGenesis {
		t.Fatalf("expected defaults to survive decoding: %+v", cfg)
	}
}

func TestLoadConfigRequiresSecretWhenAuthEnabled(t *testing.T) {
	path := writeConfig(t, `
auth:
  enabled: true
  hmac_secret: "short"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "hmac_secret") {
		t.Fatalf("expected hmac secret error, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
event_log:
  driver: mongo
  dsn: x
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "listen: \":1\"\ntls:\n  allow_insecure: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("LENDINGD_LISTEN", "127.0.0.1:9999")
	t.Setenv("LENDINGD_AUTH_ENABLED", "true")
	t.Setenv("LENDINGD_AUTH_HMAC_SECRET", strings.Repeat("s", 32))
	t.Setenv("LENDINGD_BLOCK_INTERVAL", "2s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9999" || !cfg.Auth.Enabled || cfg.BlockInterval != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}
