// Package config loads the bridge daemon configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"lendbridge/observability/logging"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the bridge.
type Config struct {
	Chain     ChainConfig     `yaml:"chain" toml:"chain"`
	Contract  ContractConfig  `yaml:"contract" toml:"contract"`
	Signer    SignerConfig    `yaml:"signer" toml:"signer"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Reconcile ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ChainConfig configures the node connection.
type ChainConfig struct {
	Endpoint             string   `yaml:"endpoint" toml:"endpoint"`
	EndpointEnv          string   `yaml:"endpoint_env" toml:"endpoint_env"`
	ChainID              int64    `yaml:"chain_id" toml:"chain_id"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	ReconnectBackoff     Duration `yaml:"reconnect_backoff" toml:"reconnect_backoff"`
	MaxBackoff           Duration `yaml:"max_backoff" toml:"max_backoff"`
	PollInterval         Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout       Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	DropAfter            Duration `yaml:"drop_after" toml:"drop_after"`
}

// ContractConfig identifies the pool.
type ContractConfig struct {
	Address            string `yaml:"address" toml:"address"`
	MaxAmount          string `yaml:"max_amount" toml:"max_amount"`
	GasHeadroomPercent uint64 `yaml:"gas_headroom_percent" toml:"gas_headroom_percent"`
}

// SignerConfig sources the backend account key. Exactly one of the raw key
// sources or a keystore must be set.
type SignerConfig struct {
	Key           string `yaml:"key" toml:"key"`
	KeyEnv        string `yaml:"key_env" toml:"key_env"`
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// GatewayConfig configures the session server.
type GatewayConfig struct {
	Listen         string     `yaml:"listen" toml:"listen"`
	SessionBuffer  int        `yaml:"session_buffer" toml:"session_buffer"`
	RequestsPerSec float64    `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst          int        `yaml:"burst" toml:"burst"`
	ConnectRate    float64    `yaml:"connect_rate" toml:"connect_rate"`
	ConnectBurst   int        `yaml:"connect_burst" toml:"connect_burst"`
	// AdminRate limits /v1 requests per client; zero leaves them unlimited.
	AdminRate      float64    `yaml:"admin_rate" toml:"admin_rate"`
	AdminBurst     int        `yaml:"admin_burst" toml:"admin_burst"`
	WriteTimeout   Duration   `yaml:"write_timeout" toml:"write_timeout"`
	PingInterval   Duration   `yaml:"ping_interval" toml:"ping_interval"`
	AllowedOrigins []string   `yaml:"allowed_origins" toml:"allowed_origins"`
	Auth           AuthConfig `yaml:"auth" toml:"auth"`
}

// AuthConfig configures JWT validation for sessions and admin routes.
type AuthConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	HMACSecret    string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      []string `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// ReconcileConfig configures the pending transaction journal.
type ReconcileConfig struct {
	Journal  string   `yaml:"journal" toml:"journal"`
	Interval Duration `yaml:"interval" toml:"interval"`
}

// LedgerConfig selects the audit database.
type LedgerConfig struct {
	DSN string `yaml:"dsn" toml:"dsn"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain: %w", err)
	}
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer: %w", err)
	}
	if err := cfg.Gateway.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("gateway auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LogAttrs summarises the loaded configuration for the startup log. Secrets
// are masked and the node endpoint loses its credential-bearing parts.
func (c Config) LogAttrs() []any {
	signer := "key"
	if c.Signer.Keystore != "" {
		signer = "keystore"
	}
	return []any{
		"chain_id", c.Chain.ChainID,
		"endpoint", logging.MaskURL(c.Chain.Endpoint),
		"pool", c.Contract.Address,
		"signer_source", signer,
		logging.MaskField("signer_key", c.Signer.Key),
		"keystore", c.Signer.Keystore,
		"listen", c.Gateway.Listen,
		"auth_enabled", c.Gateway.Auth.Enabled,
		logging.MaskField("hmac_secret", c.Gateway.Auth.HMACSecret),
		"admin_rate", c.Gateway.AdminRate,
		"journal", c.Reconcile.Journal,
		logging.MaskField("ledger_dsn", c.Ledger.DSN),
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.MaxReconnectAttempts <= 0 {
		cfg.Chain.MaxReconnectAttempts = 5
	}
	if cfg.Chain.ReconnectBackoff.Duration <= 0 {
		cfg.Chain.ReconnectBackoff.Duration = time.Second
	}
	if cfg.Chain.MaxBackoff.Duration <= 0 {
		cfg.Chain.MaxBackoff.Duration = 30 * time.Second
	}
	if cfg.Chain.PollInterval.Duration <= 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.ConfirmTimeout.Duration <= 0 {
		cfg.Chain.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.DropAfter.Duration <= 0 {
		cfg.Chain.DropAfter.Duration = time.Minute
	}
	if cfg.Contract.GasHeadroomPercent == 0 {
		cfg.Contract.GasHeadroomPercent = 20
	}
	if cfg.Gateway.Listen == "" {
		cfg.Gateway.Listen = ":8080"
	}
	if cfg.Gateway.SessionBuffer <= 0 {
		cfg.Gateway.SessionBuffer = 64
	}
	if cfg.Gateway.RequestsPerSec <= 0 {
		cfg.Gateway.RequestsPerSec = 5
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 10
	}
	if cfg.Gateway.ConnectRate <= 0 {
		cfg.Gateway.ConnectRate = 1
	}
	if cfg.Gateway.ConnectBurst <= 0 {
		cfg.Gateway.ConnectBurst = 5
	}
	if cfg.Gateway.AdminRate > 0 && cfg.Gateway.AdminBurst <= 0 {
		cfg.Gateway.AdminBurst = 5
	}
	if cfg.Gateway.WriteTimeout.Duration <= 0 {
		cfg.Gateway.WriteTimeout.Duration = 10 * time.Second
	}
	if cfg.Gateway.PingInterval.Duration <= 0 {
		cfg.Gateway.PingInterval.Duration = 30 * time.Second
	}
	if cfg.Gateway.Auth.ClockSkew.Duration <= 0 {
		cfg.Gateway.Auth.ClockSkew.Duration = time.Minute
	}
	if cfg.Reconcile.Journal == "" {
		cfg.Reconcile.Journal = "lendbridge-journal.db"
	}
	if cfg.Reconcile.Interval.Duration <= 0 {
		cfg.Reconcile.Interval.Duration = 30 * time.Second
	}
	if cfg.Ledger.DSN == "" {
		cfg.Ledger.DSN = "lendbridge-ledger.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	addr := strings.TrimSpace(cfg.Contract.Address)
	if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("contract.address must be a non-zero hex address")
	}
	if _, err := cfg.Contract.MaxAmountValue(); err != nil {
		return err
	}
	if cfg.Gateway.Auth.Enabled && cfg.Gateway.Auth.HMACSecret == "" {
		return fmt.Errorf("gateway.auth requires an hmac secret when enabled")
	}
	return nil
}

// MaxAmountValue parses max_amount. An empty value yields nil, selecting the
// contract package default.
func (c ContractConfig) MaxAmountValue() (*uint256.Int, error) {
	raw := strings.TrimSpace(c.MaxAmount)
	if raw == "" {
		return nil, nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("contract.max_amount %q: %w", raw, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("contract.max_amount must be positive")
	}
	return value, nil
}

func (c *ChainConfig) normalise() error {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.EndpointEnv = strings.TrimSpace(c.EndpointEnv)
	if c.Endpoint == "" && c.EndpointEnv != "" {
		value := strings.TrimSpace(os.Getenv(c.EndpointEnv))
		if value == "" {
			return fmt.Errorf("endpoint_env %s is empty", c.EndpointEnv)
		}
		c.Endpoint = value
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	s.PassphraseEnv = strings.TrimSpace(s.PassphraseEnv)
	if s.Key != "" {
		return nil
	}
	switch {
	case s.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
		s.Key = value
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		s.Key = strings.TrimSpace(string(contents))
	case s.Keystore != "":
	default:
		return fmt.Errorf("one of key, key_env, key_file or keystore is required")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	if a.HMACSecret == "" && a.HMACSecretEnv != "" {
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" && a.Enabled {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	}
	a.Issuer = strings.TrimSpace(a.Issuer)
	return nil
}
