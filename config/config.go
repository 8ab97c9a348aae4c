// Package config loads the gateway configuration once at startup. Files may be
// YAML or TOML; secrets are usually supplied through STAKE_GATEWAY_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "STAKE_GATEWAY_"

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Traces      bool              `yaml:"traces" toml:"traces"`
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	SampleRatio float64           `yaml:"sampleRatio" toml:"sampleRatio"`
}

type AuthConfig struct {
	// Domain is the host sign-in messages must name, e.g. "stake.example".
	Domain        string        `yaml:"domain" toml:"domain"`
	NonceTTL      time.Duration `yaml:"nonceTTL" toml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity" toml:"nonceCapacity"`
	NonceDBPath   string        `yaml:"nonceDBPath" toml:"nonceDBPath"`
	SessionSecret string        `yaml:"sessionSecret" toml:"sessionSecret"`
	SessionIssuer string        `yaml:"sessionIssuer" toml:"sessionIssuer"`
	SessionTTL    time.Duration `yaml:"sessionTTL" toml:"sessionTTL"`
	UsernameURL   string        `yaml:"usernameURL" toml:"usernameURL"`
}

type IdentityConfig struct {
	AppID     string `yaml:"appID" toml:"appID"`
	ActionID  string `yaml:"actionID" toml:"actionID"`
	OracleURL string `yaml:"oracleURL" toml:"oracleURL"`
	DBPath    string `yaml:"dbPath" toml:"dbPath"`
}

type PaymentsConfig struct {
	DBPath    string `yaml:"dbPath" toml:"dbPath"`
	PortalURL string `yaml:"portalURL" toml:"portalURL"`
	AppID     string `yaml:"appID" toml:"appID"`
	APIKey    string `yaml:"apiKey" toml:"apiKey"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	// RatePerSecond is a decimal string of reward base units.
	RatePerSecond string `yaml:"ratePerSecond" toml:"ratePerSecond"`
	Admin         string `yaml:"admin" toml:"admin"`
}

type ChainConfig struct {
	// Mode selects the transaction gateway: "local" or "rpc".
	Mode     string `yaml:"mode" toml:"mode"`
	RPCURL   string `yaml:"rpcURL" toml:"rpcURL"`
	Contract string `yaml:"contract" toml:"contract"`
	ChainID  uint64 `yaml:"chainID" toml:"chainID"`
}

type RateLimitConfig struct {
	ID                string  `yaml:"id" toml:"id"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowedOrigins"`
}

type Config struct {
	Environment     string            `yaml:"environment" toml:"environment"`
	ListenAddress   string            `yaml:"listen" toml:"listen"`
	ReadTimeout     time.Duration     `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout    time.Duration     `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout     time.Duration     `yaml:"idleTimeout" toml:"idleTimeout"`
	UpstreamTimeout time.Duration     `yaml:"upstreamTimeout" toml:"upstreamTimeout"`
	Logging         LoggingConfig     `yaml:"logging" toml:"logging"`
	Telemetry       TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Auth            AuthConfig        `yaml:"auth" toml:"auth"`
	Identity        IdentityConfig    `yaml:"identity" toml:"identity"`
	Payments        PaymentsConfig    `yaml:"payments" toml:"payments"`
	Ledger          LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Chain           ChainConfig       `yaml:"chain" toml:"chain"`
	RateLimits      []RateLimitConfig `yaml:"rateLimits" toml:"rateLimits"`
	CORS            CORSConfig        `yaml:"cors" toml:"cors"`
	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// header is honoured when identifying clients.
	TrustedProxies []string `yaml:"trustedProxies" toml:"trustedProxies"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Environment:     "dev",
		ListenAddress:   ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		UpstreamTimeout: 10 * time.Second,
		Logging:         LoggingConfig{Level: "info"},
		Telemetry:       TelemetryConfig{SampleRatio: 1},
		Auth: AuthConfig{
			NonceTTL:      5 * time.Minute,
			NonceCapacity: 4096,
			NonceDBPath:   "data/nonces",
			SessionIssuer: "stake-gateway",
			SessionTTL:    24 * time.Hour,
		},
		Identity: IdentityConfig{ActionID: "verify-human", DBPath: "data/identity.db"},
		Payments: PaymentsConfig{DBPath: "data/payments.db"},
		Ledger: LedgerConfig{
			Driver:        "sqlite",
			DSN:           "data/ledger.db",
			RatePerSecond: "10000000000000000",
		},
		Chain: ChainConfig{Mode: "local"},
		RateLimits: []RateLimitConfig{
			{ID: "auth", RequestsPerMinute: 30, Burst: 10},
			{ID: "staking", RequestsPerMinute: 120, Burst: 20},
		},
	}
}

// Load reads path (YAML or TOML by extension), applies environment overrides
// and validates the result. An empty path loads the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0].String())
		}
		return nil
	case ".yaml", ".yml", "":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
}

// applyEnv overlays STAKE_GATEWAY_* variables.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ENV":            &cfg.Environment,
		"LISTEN":         &cfg.ListenAddress,
		"LOG_LEVEL":      &cfg.Logging.Level,
		"LOG_FILE":       &cfg.Logging.File,
		"OTLP_ENDPOINT":  &cfg.Telemetry.Endpoint,
		"SIWE_DOMAIN":    &cfg.Auth.Domain,
		"SESSION_SECRET": &cfg.Auth.SessionSecret,
		"NONCE_DB_PATH":  &cfg.Auth.NonceDBPath,
		"APP_ID":         &cfg.Identity.AppID,
		"ACTION_ID":      &cfg.Identity.ActionID,
		"IDENTITY_DB":    &cfg.Identity.DBPath,
		"PAYMENTS_DB":    &cfg.Payments.DBPath,
		"PORTAL_URL":     &cfg.Payments.PortalURL,
		"PORTAL_API_KEY": &cfg.Payments.APIKey,
		"LEDGER_DRIVER":  &cfg.Ledger.Driver,
		"LEDGER_DSN":     &cfg.Ledger.DSN,
		"REWARD_RATE":    &cfg.Ledger.RatePerSecond,
		"ADMIN_ADDRESS":  &cfg.Ledger.Admin,
		"CHAIN_MODE":     &cfg.Chain.Mode,
		"RPC_URL":        &cfg.Chain.RPCURL,
		"CONTRACT":       &cfg.Chain.Contract,
	}
	for key, dst := range strs {
		if value, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(value)
		}
	}
	if value, ok := lookup(EnvPrefix + "CHAIN_ID"); ok {
		id, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHAIN_ID: %w", EnvPrefix, err)
		}
		cfg.Chain.ChainID = id
	}
	if value, ok := lookup(EnvPrefix + "UPSTREAM_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%sUPSTREAM_TIMEOUT: %w", EnvPrefix, err)
		}
		cfg.UpstreamTimeout = d
	}
	// The portal app id defaults to the identity app id.
	if cfg.Payments.AppID == "" {
		cfg.Payments.AppID = cfg.Identity.AppID
	}
	return nil
}

// normalize canonicalises the enumerated settings that are later switched on.
func (cfg *Config) normalize() {
	cfg.Chain.Mode = strings.ToLower(strings.TrimSpace(cfg.Chain.Mode))
	cfg.Ledger.Driver = strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver))
	cfg.Auth.Domain = strings.TrimSpace(cfg.Auth.Domain)
}

// IsDev reports whether the gateway runs in the dev environment.
func (cfg Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Environment), "dev")
}

// RateLimit returns the limit with id, if configured.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, limit := range cfg.RateLimits {
		if limit.ID == id {
			return limit, true
		}
	}
	return RateLimitConfig{}, false
}
