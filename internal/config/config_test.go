package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CIPHERROOM_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DBPath != "cipherroom.db" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.TLS || cfg.Debug {
		t.Fatalf("tls/debug should default off: %#v", cfg)
	}
	if cfg.MetricsSecs != 60 {
		t.Fatalf("metrics interval = %d, want 60", cfg.MetricsSecs)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cipherroom.yaml")
	yaml := "addr: \":9999\"\ndb_path: /tmp/other.db\ntls: true\ndebug: true\nmetrics_interval_seconds: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CIPHERROOM_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("unexpected values: %#v", cfg)
	}
	if !cfg.TLS || !cfg.Debug || cfg.MetricsSecs != 5 {
		t.Fatalf("unexpected flags: %#v", cfg)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cipherroom.yaml")
	if err := os.WriteFile(path, []byte("addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CIPHERROOM_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}
