package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestReloader_ReloadSwapsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `
services:
  auth: {url: http://localhost:8001}
rate_limit:
  requests_per_window: 100
`)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("loading initial config: %v", err)
	}

	r := NewReloader(path, initial, slog.Default())

	var callbackCfg *Config
	r.OnReload(func(c *Config) { callbackCfg = c })

	writeConfigFile(t, dir, `
services:
  auth: {url: http://localhost:8001}
rate_limit:
  requests_per_window: 50
`)

	if !r.Reload() {
		t.Fatal("expected reload to succeed")
	}
	if got := r.Current().RateLimit.RequestsPerWindow; got != 50 {
		t.Fatalf("expected reloaded limit 50, got %d", got)
	}
	if callbackCfg == nil || callbackCfg.RateLimit.RequestsPerWindow != 50 {
		t.Fatal("expected reload callback with new config")
	}
}

func TestReloader_InvalidConfigKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, `
services:
  auth: {url: http://localhost:8001}
`)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("loading initial config: %v", err)
	}

	r := NewReloader(path, initial, slog.Default())

	writeConfigFile(t, dir, `services: {}`)

	if r.Reload() {
		t.Fatal("expected reload to fail for invalid config")
	}
	if got := r.Current(); got != initial {
		t.Fatal("expected current config unchanged after failed reload")
	}
}
