package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/solvency"
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

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	p := cfg.EngineParams()
	if !p.DisplayCap.Equal(decimal.NewFromInt(3)) || !p.SafetyBuffer.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("unexpected engine defaults %+v", p)
	}
	if _, err := solvency.NewEngine(p); err != nil {
		t.Fatalf("defaults must build an engine: %v", err)
	}
}

func TestLoadOverridesSelectedFields(t *testing.T) {
	path := writeConfig(t, `
listen: " :9000 "
networks: [" voi-mainnet ", "", "algorand"]
engine:
  display_cap: 5
  safety_buffer: "0.002"
  tiers:
    danger: 1.2
cache:
  ttl: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if len(cfg.Networks) != 2 || !cfg.NetworkAllowed("algorand") || cfg.NetworkAllowed("testnet") {
		t.Fatalf("unexpected networks %v", cfg.Networks)
	}
	p := cfg.EngineParams()
	if !p.DisplayCap.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected display cap 5, got %s", p.DisplayCap)
	}
	if !p.SafetyBuffer.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("expected buffer 0.002, got %s", p.SafetyBuffer)
	}
	if !p.Tiers.Danger.Equal(decimal.RequireFromString("1.2")) || !p.Tiers.Moderate.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected tiers %+v", p.Tiers)
	}
	if !p.CloseFactor.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unset close factor should keep default, got %s", p.CloseFactor)
	}
	if cfg.Cache.TTL != time.Minute || cfg.Cache.Size != 4096 {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
}

func TestLoadRejectsInvalidEngine(t *testing.T) {
	path := writeConfig(t, `
engine:
  tiers:
    danger: 2
`)
	_, err := Load(path)
	if !errors.Is(err, solvency.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
engine:
  dispaly_cap: 4
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for misspelled field")
	}
}

func TestLoadRejectsRedisWithoutDatabase(t *testing.T) {
	path := writeConfig(t, `
redis_url: "redis://localhost:6379"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for redis without database")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadEnv(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
`)
	cfg, err := LoadEnv(envOf(map[string]string{
		"RISK_CONFIG":  path,
		"PORT":         "7070",
		"DATABASE_URL": "postgres://localhost/risk",
		"REDIS_URL":    "redis://localhost:6379",
	}))
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if cfg.ListenAddress != ":7070" {
		t.Fatalf("PORT should override listen, got %q", cfg.ListenAddress)
	}
	if cfg.DatabaseURL != "postgres://localhost/risk" || cfg.RedisURL != "redis://localhost:6379" {
		t.Fatalf("unexpected store urls %q / %q", cfg.DatabaseURL, cfg.RedisURL)
	}
}
