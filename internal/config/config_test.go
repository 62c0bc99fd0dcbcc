package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOCFLOW_EDIT_DEBOUNCE", "")
	t.Setenv("DOCFLOW_CURSOR_RATE", "not-a-number")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.EditDebounce != 2*time.Second {
		t.Fatalf("EditDebounce = %v", cfg.EditDebounce)
	}
	if cfg.CursorUpdatesPerSec != 20 {
		t.Fatalf("CursorUpdatesPerSec = %d, want fallback 20", cfg.CursorUpdatesPerSec)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOCFLOW_EDIT_DEBOUNCE", "750ms")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")

	cfg := Load()
	if cfg.EditDebounce != 750*time.Millisecond {
		t.Fatalf("EditDebounce = %v", cfg.EditDebounce)
	}
	if !cfg.MinIOUseSSL {
		t.Fatal("expected MinIOUseSSL")
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadFileOverlaysAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DOCFLOW_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	content := `
server:
  addr: ":9999"
auth:
  jwt_secret: "${TEST_DOCFLOW_SECRET}"
snapshots:
  backend: minio
  minio:
    bucket: snaps
    use_ssl: true
collab:
  edit_debounce: 500ms
  edit_max_delay: 10s
  cursor_rate: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(Load(), path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Addr != ":9999" || cfg.JWTSecret != "from-env" {
		t.Fatalf("unexpected overlay: addr=%q secret=%q", cfg.Addr, cfg.JWTSecret)
	}
	if cfg.SnapshotBackend != "minio" || cfg.MinIOBucket != "snaps" || !cfg.MinIOUseSSL {
		t.Fatalf("unexpected snapshot config: %+v", cfg)
	}
	if cfg.EditDebounce != 500*time.Millisecond || cfg.EditMaxDelay != 10*time.Second {
		t.Fatalf("unexpected durations: %v %v", cfg.EditDebounce, cfg.EditMaxDelay)
	}
	if cfg.CursorUpdatesPerSec != 5 {
		t.Fatalf("CursorUpdatesPerSec = %d", cfg.CursorUpdatesPerSec)
	}
	if cfg.MigrationsDir != "./db/migrations" {
		t.Fatalf("expected untouched default, got %q", cfg.MigrationsDir)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docflow.yaml")
	if err := os.WriteFile(path, []byte("collab:\n  edit_debounce: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(Load(), path); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Load()
	cfg.SnapshotBackend = "s3"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestTrustedProxiesFromEnvironment(t *testing.T) {
	t.Setenv("DOCFLOW_TRUSTED_PROXIES", " 10.0.0.0/8, 192.168.1.7 ,")

	cfg := Load()
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes() error = %v", err)
	}
	if len(prefixes) != 2 || prefixes[0].String() != "10.0.0.0/8" || prefixes[1].String() != "192.168.1.7/32" {
		t.Fatalf("unexpected prefixes %v", prefixes)
	}

	cfg.TrustedProxies = []string{"not-an-ip"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid trusted proxy to fail validation")
	}
}
