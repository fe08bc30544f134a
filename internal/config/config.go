// Package config loads the risk engine's runtime settings: listen address,
// backing stores, engine parameters and result-cache sizing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/dorkfi/risk-engine/internal/market"
	"github.com/dorkfi/risk-engine/internal/solvency"
)

// Config captures the runtime settings for the risk engine server.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabaseURL   string        `yaml:"database_url"`
	RedisURL      string        `yaml:"redis_url"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	// Networks restricts the networks the API serves. Empty allows any.
	Networks []string     `yaml:"networks"`
	Engine   EngineConfig `yaml:"engine"`
	Cache    CacheConfig  `yaml:"cache"`
}

// EngineConfig mirrors solvency.Params.
type EngineConfig struct {
	DisplayCap                  decimal.Decimal `yaml:"display_cap"`
	DefaultLiquidationThreshold decimal.Decimal `yaml:"default_liquidation_threshold"`
	SafetyBuffer                decimal.Decimal `yaml:"safety_buffer"`
	CloseFactor                 decimal.Decimal `yaml:"close_factor"`
	LiquidationBonus            decimal.Decimal `yaml:"liquidation_bonus"`
	Tiers                       TierConfig      `yaml:"tiers"`
}

// TierConfig holds the inclusive upper health-factor bound of each tier.
type TierConfig struct {
	Liquidatable decimal.Decimal `yaml:"liquidatable"`
	Danger       decimal.Decimal `yaml:"danger"`
	Moderate     decimal.Decimal `yaml:"moderate"`
}

// CacheConfig sizes the in-process result cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	p := solvency.DefaultParams()
	return Config{
		ListenAddress: ":8080",
		RedisTTL:      30 * time.Second,
		Engine: EngineConfig{
			DisplayCap:                  p.DisplayCap,
			DefaultLiquidationThreshold: p.DefaultLiquidationThreshold,
			SafetyBuffer:                p.SafetyBuffer,
			CloseFactor:                 p.CloseFactor,
			LiquidationBonus:            p.LiquidationBonus,
			Tiers: TierConfig{
				Liquidatable: p.Tiers.Liquidatable,
				Danger:       p.Tiers.Danger,
				Moderate:     p.Tiers.Moderate,
			},
		},
		Cache: CacheConfig{
			Size: 4096,
			TTL:  15 * time.Second,
		},
	}
}

// Load reads the YAML configuration at path over the defaults and validates
// the result. An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg, err := decode(path)
	if err != nil {
		return Config{}, err
	}
	return finish(cfg)
}

// LoadEnv loads the file named by RISK_CONFIG (if any) and then applies the
// PORT, DATABASE_URL and REDIS_URL overrides.
func LoadEnv(getenv func(string) string) (Config, error) {
	cfg, err := decode(strings.TrimSpace(getenv("RISK_CONFIG")))
	if err != nil {
		return Config{}, err
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		cfg.ListenAddress = ":" + port
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	return finish(cfg)
}

func decode(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func finish(cfg Config) (Config, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)

	networks := make([]string, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if trimmed := strings.TrimSpace(n); trimmed != "" {
			networks = append(networks, trimmed)
		}
	}
	cfg.Networks = networks
}

func (cfg *Config) validate() error {
	if err := cfg.EngineParams().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if cfg.Cache.Size <= 0 {
		return errors.New("cache: size must be positive")
	}
	if cfg.Cache.TTL < 0 || cfg.RedisTTL < 0 {
		return errors.New("ttl must not be negative")
	}
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return errors.New("redis_url requires database_url: redis only caches the postgres store")
	}
	for _, n := range cfg.Networks {
		if err := market.ValidateID("network", n); err != nil {
			return fmt.Errorf("networks: %w", err)
		}
	}
	return nil
}

// EngineParams converts the engine section into solvency.Params.
func (cfg Config) EngineParams() solvency.Params {
	e := cfg.Engine
	return solvency.Params{
		DisplayCap:                  e.DisplayCap,
		DefaultLiquidationThreshold: e.DefaultLiquidationThreshold,
		SafetyBuffer:                e.SafetyBuffer,
		CloseFactor:                 e.CloseFactor,
		LiquidationBonus:            e.LiquidationBonus,
		Tiers: solvency.TierTable{
			Liquidatable: e.Tiers.Liquidatable,
			Danger:       e.Tiers.Danger,
			Moderate:     e.Tiers.Moderate,
		},
	}
}

// NetworkAllowed reports whether the API should serve network.
func (cfg Config) NetworkAllowed(network string) bool {
	if len(cfg.Networks) == 0 {
		return true
	}
	for _, n := range cfg.Networks {
		if n == network {
			return true
		}
	}
	return false
}
