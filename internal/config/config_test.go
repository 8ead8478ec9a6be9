package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("WEBHOOK_SECRET", "hook-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "")
	t.Setenv("PUBLIC_BASE_URL", "")
	t.Setenv("ASSET_BASE_URL", "")
	t.Setenv("SWEEP_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.AssetBaseURL != "http://localhost:8080/assets" {
		t.Fatalf("AssetBaseURL = %q", cfg.AssetBaseURL)
	}
	if cfg.SweepInterval != 60*time.Second {
		t.Fatalf("SweepInterval = %v, want 60s", cfg.SweepInterval)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	cases := []string{"DATABASE_URL", "JWT_SECRET", "WEBHOOK_SECRET"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			if _, err := Load(); err == nil {
				t.Fatalf("expected error when %s is empty", missing)
			}
		})
	}
}

func TestLoadRejectsDebugInProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_DEBUG", "true")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for APP_DEBUG in production")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "90s")
	if got := getEnvDuration("X_DUR", time.Second); got != 90*time.Second {
		t.Fatalf("got %v, want 90s", got)
	}
	t.Setenv("X_DUR", "45")
	if got := getEnvDuration("X_DUR", time.Second); got != 45*time.Second {
		t.Fatalf("got %v, want 45s", got)
	}
	t.Setenv("X_DUR", "soon")
	if got := getEnvDuration("X_DUR", time.Second); got != time.Second {
		t.Fatalf("got %v, want fallback", got)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MF_TEST_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MF_TEST_KEY", "")
	os.Unsetenv("MF_TEST_KEY")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("MF_TEST_KEY"); got != "from-file" {
		t.Fatalf("MF_TEST_KEY = %q, want from-file", got)
	}
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
