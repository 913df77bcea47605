package config

import (
	"testing"
	"time"
)

func TestLoadBackendConfigFromEnv(t *testing.T) {
	t.Setenv("LITHOPS_PLATFORM", "kubernetes")
	t.Setenv("LITHOPS_WORKERS", "12")
	t.Setenv("LITHOPS_RUNTIME_TIMEOUT", "90")
	t.Setenv(LogLevelEnv, "DEBUG")

	cfg := LoadBackendConfig()
	if cfg.Platform != "kubernetes" {
		t.Fatalf("unexpected platform %q", cfg.Platform)
	}
	if cfg.Workers != 12 {
		t.Fatalf("unexpected workers %d", cfg.Workers)
	}
	if cfg.RuntimeTimeout != 90*time.Second {
		t.Fatalf("unexpected timeout %s", cfg.RuntimeTimeout)
	}
	if !cfg.Verbose() {
		t.Fatalf("expected verbose config when log level is set")
	}
}

func TestGetIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("LITHOPS_TEST_INT", "many")
	if got := GetInt("LITHOPS_TEST_INT", 3); got != 3 {
		t.Fatalf("expected fallback, got %d", got)
	}
}

func TestLoadProxyConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LITHOPS_MODULE_PATH", "/opt/lib: /srv/lib ::")
	cfg := LoadProxyConfig()
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if len(cfg.ModulePaths) != 2 || cfg.ModulePaths[1] != "/srv/lib" {
		t.Fatalf("unexpected module paths %v", cfg.ModulePaths)
	}
}
