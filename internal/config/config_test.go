package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.hujson"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg != def {
		t.Fatalf("missing file should yield defaults: %+v", cfg)
	}
	if cfg.SyncInterval() != 60*time.Second {
		t.Fatalf("unexpected sync interval: %v", cfg.SyncInterval())
	}
}

func TestLoadParsesHuJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.hujson")
	body := `{
	// local test remote
	"remote_url": "http://localhost:9999",
	"sync_seconds": 5,
	"dashboard_list": "work", // trailing comma below is fine
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RemoteURL != "http://localhost:9999" || cfg.SyncSeconds != 5 || cfg.DashboardList != "work" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.ListenAddr != Default().ListenAddr {
		t.Fatalf("default lost: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.hujson")
	if err := os.WriteFile(path, []byte(`{"remote_url": "http://from-file"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SYNCD_REMOTE_URL", "http://from-env")
	t.Setenv("SYNCD_SYNC_SECONDS", "120")
	t.Setenv("SYNCD_DASHBOARD_LIMIT", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RemoteURL != "http://from-env" {
		t.Fatalf("env did not win: %+v", cfg)
	}
	if cfg.SyncSeconds != 120 || cfg.DashboardLimit != 3 {
		t.Fatalf("env ints not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syncd.hujson")
	if err := os.WriteFile(path, []byte(`{"sync_seconds": -1}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("negative sync_seconds accepted")
	}

	if err := os.WriteFile(path, []byte(`{"remote_url": `), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestEnvIgnoresGarbageInts(t *testing.T) {
	t.Setenv("SYNCD_SYNC_SECONDS", "soon")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.hujson"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SyncSeconds != Default().SyncSeconds {
		t.Fatalf("garbage env applied: %+v", cfg)
	}
}
