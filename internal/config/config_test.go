package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncAddress != "http://127.0.0.1:8888" {
		t.Errorf("SyncAddress = %q", cfg.SyncAddress)
	}
	if cfg.Sync.PageSize != 100 || cfg.Sync.UploadBatch != 100 {
		t.Errorf("sync tunables = %+v", cfg.Sync)
	}
	if cfg.Timeout() != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout())
	}
	if strings.HasPrefix(cfg.DataDir, "~") {
		t.Errorf("DataDir not expanded: %q", cfg.DataDir)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "sync_address: https://sync.example.com\nsync:\n  page_size: 25\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SyncAddress != "https://sync.example.com" {
		t.Errorf("SyncAddress = %q", cfg.SyncAddress)
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.Sync.PageSize)
	}
	// Unset keys keep their defaults.
	if cfg.Sync.UploadBatch != 100 {
		t.Errorf("UploadBatch = %d, want default 100", cfg.Sync.UploadBatch)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want default 8888", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync_address: [unclosed"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load succeeded on invalid YAML")
	}
}

func TestLoadClampsBadTunables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "sync:\n  page_size: -5\n  timeout_seconds: 0\n  max_retries: 0\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.PageSize != 100 {
		t.Errorf("PageSize = %d, want clamped to 100", cfg.Sync.PageSize)
	}
	if cfg.Sync.TimeoutSeconds != 30 {
		t.Errorf("TimeoutSeconds = %d, want clamped to 30", cfg.Sync.TimeoutSeconds)
	}
	// An explicit zero disables retries and survives the clamp.
	if cfg.Sync.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0 preserved", cfg.Sync.MaxRetries)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	got, err := expandPath("~/.local/share/atuin")
	if err != nil {
		t.Fatalf("expandPath: %v", err)
	}
	if want := filepath.Join(home, ".local/share/atuin"); got != want {
		t.Errorf("expandPath = %q, want %q", got, want)
	}
	if got, _ := expandPath("/absolute/path"); got != "/absolute/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/atuin"
	if cfg.DBPath() != "/var/lib/atuin/history.db" {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
	if cfg.SessionPath() != "/var/lib/atuin/session" {
		t.Errorf("SessionPath = %q", cfg.SessionPath())
	}
	if cfg.KeyPath() != "/var/lib/atuin/key" {
		t.Errorf("KeyPath = %q", cfg.KeyPath())
	}
}

func TestDefaultPathHonorsEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, "/etc/atuin/config.yaml")
	if got := DefaultPath(); got != "/etc/atuin/config.yaml" {
		t.Errorf("DefaultPath = %q", got)
	}
}
