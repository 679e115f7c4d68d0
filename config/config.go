package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddress  = ":8640"
	DefaultEnvironment    = "dev"
	DefaultQuoteAsset     = "USD"
	DefaultGracePeriod    = "72h"
	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40
)

// Config captures the runtime settings of the floord daemon.
type Config struct {
	ListenAddress string          `toml:"listen" yaml:"listen"`
	DataDir       string          `toml:"data_dir" yaml:"data_dir"`
	Environment   string          `toml:"env" yaml:"env"`
	LogFile       string          `toml:"log_file" yaml:"log_file"`
	Telemetry     TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	Auth          AuthConfig      `toml:"auth" yaml:"auth"`
	Quote         QuoteConfig     `toml:"quote" yaml:"quote"`
	Interest      InterestConfig  `toml:"interest" yaml:"interest"`
	Lending       LendingConfig   `toml:"lending" yaml:"lending"`
	RateLimit     RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
	Genesis       GenesisConfig   `toml:"genesis" yaml:"genesis"`
}

// TelemetryConfig controls the OTLP exporters. An empty endpoint leaves the
// SDK defaults in place.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
	Headers  string `toml:"headers" yaml:"headers"`
	Metrics  bool   `toml:"metrics" yaml:"metrics"`
	Traces   bool   `toml:"traces" yaml:"traces"`
	// SampleRatio keeps this fraction of root spans; 0 keeps all of them.
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// AuthConfig lists the bearer tokens accepted on administrative routes.
type AuthConfig struct {
	APITokens []string `toml:"api_tokens" yaml:"api_tokens"`
}

// QuoteConfig describes the asset every pool trades against.
type QuoteConfig struct {
	Asset    string `toml:"asset" yaml:"asset"`
	Name     string `toml:"name" yaml:"name"`
	Decimals uint8  `toml:"decimals" yaml:"decimals"`
}

// InterestConfig parameterises the kinked borrow-rate curve of the liquidity
// pool.
type InterestConfig struct {
	BaseRate         float64 `toml:"base_rate" yaml:"base_rate"`
	Slope1           float64 `toml:"slope1" yaml:"slope1"`
	Slope2           float64 `toml:"slope2" yaml:"slope2"`
	Kink             float64 `toml:"kink" yaml:"kink"`
	ReserveFactorBps uint64  `toml:"reserve_factor_bps" yaml:"reserve_factor_bps"`
}

type LendingConfig struct {
	GracePeriod       string `toml:"grace_period" yaml:"grace_period"`
	RecoveryBountyBps uint64 `toml:"recovery_bounty_bps" yaml:"recovery_bounty_bps"`
	MaxHarvestBps     uint64 `toml:"max_harvest_bps" yaml:"max_harvest_bps"`
}

// RateLimitConfig bounds transaction submissions per client.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"rps" yaml:"rps"`
	Burst             int     `toml:"burst" yaml:"burst"`
}

// Load reads the configuration at path, decoding YAML for .yaml/.yml files
// and TOML otherwise. A missing file is created with the defaults.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	if isYAML(path) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode config: unknown key %q", undecoded[0].String())
		}
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress: DefaultListenAddress,
		Environment:   DefaultEnvironment,
		Quote:         QuoteConfig{Asset: DefaultQuoteAsset, Decimals: 6},
		Interest: InterestConfig{
			BaseRate:         0.02,
			Slope1:           0.1,
			Slope2:           1.0,
			Kink:             0.8,
			ReserveFactorBps: 1000,
		},
		Lending: LendingConfig{
			GracePeriod:       DefaultGracePeriod,
			RecoveryBountyBps: 50,
			MaxHarvestBps:     1000,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: DefaultRateLimitRPS, Burst: DefaultRateLimitBurst},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.normalize()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = strings.TrimSpace(cfg.Telemetry.Headers)
	cfg.Auth.normalize()
	cfg.Quote.Asset = strings.ToUpper(strings.TrimSpace(cfg.Quote.Asset))
	if cfg.Quote.Asset == "" {
		cfg.Quote.Asset = DefaultQuoteAsset
	}
	cfg.Quote.Name = strings.TrimSpace(cfg.Quote.Name)
	if cfg.Quote.Name == "" {
		cfg.Quote.Name = cfg.Quote.Asset
	}
	cfg.Lending.GracePeriod = strings.TrimSpace(cfg.Lending.GracePeriod)
	if cfg.Lending.GracePeriod == "" {
		cfg.Lending.GracePeriod = DefaultGracePeriod
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = DefaultRateLimitRPS
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultRateLimitBurst
	}
	cfg.Genesis.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if _, err := cfg.Grace(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	if cfg.Lending.RecoveryBountyBps >= 10_000 {
		return fmt.Errorf("lending: recovery_bounty_bps must be below 10000")
	}
	if cfg.Lending.MaxHarvestBps > 10_000 {
		return fmt.Errorf("lending: max_harvest_bps must not exceed 10000")
	}
	if cfg.Interest.ReserveFactorBps > 10_000 {
		return fmt.Errorf("interest: reserve_factor_bps must not exceed 10000")
	}
	if err := cfg.InterestModel().Validate(); err != nil {
		return fmt.Errorf("interest: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	if cfg.RateLimit.RequestsPerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if err := cfg.Genesis.validate(cfg.Quote.Asset); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	return nil
}

// Grace parses the configured grace period.
func (cfg *Config) Grace() (time.Duration, error) {
	d, err := time.ParseDuration(cfg.Lending.GracePeriod)
	if err != nil {
		return 0, fmt.Errorf("invalid grace_period %q: %w", cfg.Lending.GracePeriod, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("grace_period must be at least one second")
	}
	return d, nil
}

func (a *AuthConfig) normalize() {
	if a == nil {
		return
	}
	tokens := a.APITokens[:0]
	for _, token := range a.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	a.APITokens = tokens
}
