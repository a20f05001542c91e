package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for portfolio-agent.
//
// NOTE: API keys are never stored here. Provider keys are read from the
// environment (see internal/agent provider wiring).
type Config struct {
	// ListenAddr is the HTTP listen address. Defaults to ":8787".
	ListenAddr string `json:"listen_addr,omitempty"`

	// DatabasePath is the SQLite file used for durable checkpoints.
	// If empty, the agent picks a default under the user home dir.
	DatabasePath string `json:"database_path,omitempty"`

	// AI configures the model provider registry and orchestration limits.
	AI *AIConfig `json:"ai,omitempty"`

	// MarketData configures the end-of-day market data client.
	MarketData *MarketDataConfig `json:"market_data,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// MarketDataConfig configures the EOD price data backend.
type MarketDataConfig struct {
	// BaseURL is the API endpoint (example: "https://eodhd.com/api").
	BaseURL string `json:"base_url,omitempty"`

	// CacheTTLSeconds controls how long quotes are served from the in-memory
	// cache before refetching. Defaults to 900 (15 minutes).
	CacheTTLSeconds *int `json:"cache_ttl_seconds,omitempty"`
}

const defaultMarketDataCacheTTLSeconds = 900

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.AI == nil {
		return errors.New("missing ai config")
	}
	if err := c.AI.Validate(); err != nil {
		return fmt.Errorf("invalid ai config: %w", err)
	}
	if c.MarketData != nil {
		if err := c.MarketData.Validate(); err != nil {
			return fmt.Errorf("invalid market_data config: %w", err)
		}
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (m *MarketDataConfig) Validate() error {
	if m == nil {
		return nil
	}
	baseURL := strings.TrimSpace(m.BaseURL)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u == nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}
	if m.CacheTTLSeconds != nil && *m.CacheTTLSeconds < 0 {
		return fmt.Errorf("invalid cache_ttl_seconds %d", *m.CacheTTLSeconds)
	}
	return nil
}

func (m *MarketDataConfig) EffectiveCacheTTLSeconds() int {
	if m == nil || m.CacheTTLSeconds == nil {
		return defaultMarketDataCacheTTLSeconds
	}
	if *m.CacheTTLSeconds < 0 {
		return defaultMarketDataCacheTTLSeconds
	}
	return *m.CacheTTLSeconds
}

func (c *Config) EffectiveListenAddr() string {
	if c == nil {
		return ":8787"
	}
	addr := strings.TrimSpace(c.ListenAddr)
	if addr == "" {
		return ":8787"
	}
	return addr
}

func (c *Config) EffectiveDatabasePath() string {
	if c != nil {
		if p := strings.TrimSpace(c.DatabasePath); p != "" {
			return p
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "portfolio-agent.db"
	}
	return filepath.Join(home, ".portfolio-agent", "agent.db")
}

// DefaultConfigPath returns the default config path:
//
//	~/.portfolio-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "portfolio-agent.config.json"
	}
	return filepath.Join(home, ".portfolio-agent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
