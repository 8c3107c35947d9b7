package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("HESTIA_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HESTIA_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HESTIA_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.CatchUpPolicy != "next" {
		t.Fatalf("expected default catch-up policy, got %q", cfg.CatchUpPolicy)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	t.Setenv("HESTIA_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HESTIA_DB_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail without DSN")
	}
}

func TestLoadRejectsBadCatchUpPolicy(t *testing.T) {
	t.Setenv("HESTIA_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("HESTIA_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("HESTIA_CATCHUP_POLICY", "backfill")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail with unknown catch-up policy")
	}
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hestia.yml")
	body := []byte("db_dsn: file::memory:?cache=shared\njwt_signing_key: filesecret\nmax_concurrent_dispatch: 8\ncatch_up_policy: immediate\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("HESTIA_CONFIG_FILE", path)
	t.Setenv("HESTIA_DB_DSN", "")
	t.Setenv("HESTIA_JWT_SIGNING_KEY", "")
	// Environment still wins over the file.
	t.Setenv("HESTIA_MAX_CONCURRENT_DISPATCH", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN != "file::memory:?cache=shared" {
		t.Fatalf("expected DSN from file, got %q", cfg.DBDSN)
	}
	if cfg.JWTSigningKey != "filesecret" {
		t.Fatalf("expected signing key from file, got %q", cfg.JWTSigningKey)
	}
	if cfg.MaxConcurrentDispatch != 2 {
		t.Fatalf("expected env to override file, got %d", cfg.MaxConcurrentDispatch)
	}
	if cfg.CatchUpPolicy != "immediate" {
		t.Fatalf("expected catch-up policy from file, got %q", cfg.CatchUpPolicy)
	}
}

func TestLoadProductionRequiresRealSigningKey(t *testing.T) {
	t.Setenv("HESTIA_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("HESTIA_JWT_SIGNING_KEY", "changeme")
	t.Setenv("HESTIA_ENV", "production")
	t.Setenv("HESTIA_PLATFORM_BASE_URL", "https://discord.example.com")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with default signing key")
	}

	t.Setenv("HESTIA_JWT_SIGNING_KEY", "supersecret")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load to succeed: %v", err)
	}
}
