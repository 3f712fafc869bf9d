package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models gigline.yml.
type Config struct {
	Server struct {
		Addr      string          `yaml:"addr"`
		BasePath  string          `yaml:"base_path"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	} `yaml:"server"`
	Payments     PaymentsConfig    `yaml:"payments"`
	Ledger       LedgerConfig      `yaml:"ledger"`
	Applications ApplicationConfig `yaml:"applications"`
	Webhooks     []WebhookConfig   `yaml:"webhooks"`
	Log          LogConfig         `yaml:"log"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PaymentsConfig points at a Razorpay-compatible order API.
type PaymentsConfig struct {
	ProviderURL    string `yaml:"provider_url"`
	KeyID          string `yaml:"key_id"`
	KeySecret      string `yaml:"key_secret"`
	Currency       string `yaml:"currency"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (p PaymentsConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type LedgerConfig struct {
	MinimumWithdrawal       int64  `yaml:"minimum_withdrawal"`
	MaxWithdrawalsPerWindow int    `yaml:"max_withdrawals_per_window"`
	WithdrawalWindowHours   int    `yaml:"withdrawal_window_hours"`
	CommissionBPS           int64  `yaml:"commission_bps"`
	RulesVersion            string `yaml:"rules_version"`
}

func (l LedgerConfig) WithdrawalWindow() time.Duration {
	return time.Duration(l.WithdrawalWindowHours) * time.Hour
}

type ApplicationConfig struct {
	MaxIterations         int      `yaml:"max_iterations"`
	ApplicableGigStatuses []string `yaml:"applicable_gig_statuses"`
}

// Applicable reports whether a gig in status accepts new applications.
func (a ApplicationConfig) Applicable(status string) bool {
	for _, s := range a.ApplicableGigStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must be >= 0")
	}
	if c.Payments.Currency == "" {
		return fmt.Errorf("config.payments.currency is required")
	}
	if c.Payments.KeyID != "" && c.Payments.ProviderURL == "" {
		return fmt.Errorf("config.payments.provider_url is required when key_id is set")
	}
	if c.Ledger.MinimumWithdrawal <= 0 {
		return fmt.Errorf("config.ledger.minimum_withdrawal must be > 0")
	}
	if c.Ledger.MaxWithdrawalsPerWindow <= 0 {
		return fmt.Errorf("config.ledger.max_withdrawals_per_window must be > 0")
	}
	if c.Ledger.WithdrawalWindowHours <= 0 {
		return fmt.Errorf("config.ledger.withdrawal_window_hours must be > 0")
	}
	if c.Ledger.CommissionBPS < 0 || c.Ledger.CommissionBPS >= 10000 {
		return fmt.Errorf("config.ledger.commission_bps must be in [0,10000)")
	}
	if c.Ledger.RulesVersion == "" {
		return fmt.Errorf("config.ledger.rules_version is required")
	}
	if c.Applications.MaxIterations < 1 || c.Applications.MaxIterations > 20 {
		return fmt.Errorf("config.applications.max_iterations must be in [1,20]")
	}
	if len(c.Applications.ApplicableGigStatuses) == 0 {
		return fmt.Errorf("config.applications.applicable_gig_statuses is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %d has empty event kind", i)
			}
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q unknown", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  rate_limit:
    requests_per_second: 20
    burst: 40

payments:
  provider_url: https://api.razorpay.com
  key_id: ""
  key_secret: ""
  currency: INR
  timeout_seconds: 10

ledger:
  minimum_withdrawal: 100
  max_withdrawals_per_window: 3
  withdrawal_window_hours: 24
  commission_bps: 0
  rules_version: v2

applications:
  max_iterations: 20
  applicable_gig_statuses: [published, active]

webhooks: []

log:
  level: info
  file: ""
`
