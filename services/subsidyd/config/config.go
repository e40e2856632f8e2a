// Package config loads the subsidyd configuration file and applies
// environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"agrisubsidy/observability/logging"
	telemetry "agrisubsidy/observability/otel"
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

// UnmarshalText parses durations in TOML files and environment values.
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

// Config captures the runtime configuration for subsidyd.
type Config struct {
	Env       string          `yaml:"env" toml:"env"`
	Listen    string          `yaml:"listen" toml:"listen"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Chain     ChainConfig     `yaml:"chain" toml:"chain"`
	Signer    SignerConfig    `yaml:"signer" toml:"signer"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Evidence  EvidenceConfig  `yaml:"evidence" toml:"evidence"`
	Reconcile ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Indexer   IndexerConfig   `yaml:"indexer" toml:"indexer"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	RateLimit RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	URL     string `yaml:"url" toml:"url"`
	MaxOpen int    `yaml:"max_open" toml:"max_open"`
	MaxIdle int    `yaml:"max_idle" toml:"max_idle"`
}

// ChainConfig points at the SubsidyRegistry deployment.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID        int64    `yaml:"chain_id" toml:"chain_id"`
	Contract       string   `yaml:"contract" toml:"contract"`
	Confirmations  uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	GasLimit       uint64   `yaml:"gas_limit" toml:"gas_limit"`
	// Simulated runs the registry on an in-memory chain instead of dialing
	// rpc_url. For local development only; rejected when env is production.
	Simulated bool `yaml:"simulated" toml:"simulated"`
}

// SignerConfig selects a raw key or an encrypted keystore account.
type SignerConfig struct {
	PrivateKey    string `yaml:"private_key" toml:"private_key"`
	PrivateKeyEnv string `yaml:"private_key_env" toml:"private_key_env"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	Address       string `yaml:"address" toml:"address"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	Leeway    Duration `yaml:"leeway" toml:"leeway"`
}

// EvidenceConfig locates the evidence vault.
type EvidenceConfig struct {
	Path     string `yaml:"path" toml:"path"`
	MaxBytes int64  `yaml:"max_bytes" toml:"max_bytes"`
}

// ReconcileConfig tunes the reconciliation core and the recovery sweep.
type ReconcileConfig struct {
	StoreRetries       int      `yaml:"store_retries" toml:"store_retries"`
	StoreRetryInterval Duration `yaml:"store_retry_interval" toml:"store_retry_interval"`
	StoreTimeout       Duration `yaml:"store_timeout" toml:"store_timeout"`
	PendingGrace       Duration `yaml:"pending_grace" toml:"pending_grace"`
	SweepInterval      Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepStaleAfter    Duration `yaml:"sweep_stale_after" toml:"sweep_stale_after"`
}

// IndexerConfig controls the event indexer.
type IndexerConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	StartBlock   uint64   `yaml:"start_block" toml:"start_block"`
	BatchBlocks  uint64   `yaml:"batch_blocks" toml:"batch_blocks"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// AuditConfig schedules the daily audit.
type AuditConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	Hour      int      `yaml:"hour" toml:"hour"`
	Minute    int      `yaml:"minute" toml:"minute"`
	Timezone  string   `yaml:"timezone" toml:"timezone"`
	Formats   []string `yaml:"formats" toml:"formats"`
	Grace     Duration `yaml:"grace" toml:"grace"`
	DryRun    bool     `yaml:"dry_run" toml:"dry_run"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

// TelemetryConfig wires OpenTelemetry exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Traces      bool              `yaml:"traces" toml:"traces"`
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
	// MetricInterval is the OTLP metric export period.
	MetricInterval Duration `yaml:"metric_interval" toml:"metric_interval"`
}

// LogConfig controls the log level and the optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Load reads path (YAML, or TOML for .toml files), applies environment
// overrides and defaults, and validates the result. An empty path relies on
// the environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Env = getEnvDefault("SUBSIDYD_ENV", cfg.Env)
	cfg.Listen = getEnvDefault("SUBSIDYD_LISTEN", cfg.Listen)
	cfg.Database.URL = getEnvDefault("SUBSIDYD_DB_URL", cfg.Database.URL)
	cfg.Chain.RPCURL = getEnvDefault("SUBSIDYD_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.Contract = getEnvDefault("SUBSIDYD_CONTRACT", cfg.Chain.Contract)
	cfg.Chain.Simulated = parseBoolEnv("SUBSIDYD_CHAIN_SIMULATED", cfg.Chain.Simulated)
	if raw := strings.TrimSpace(os.Getenv("SUBSIDYD_CHAIN_ID")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SUBSIDYD_CHAIN_ID %q", raw)
		}
		cfg.Chain.ChainID = id
	}
	cfg.Auth.JWTSecret = getEnvDefault("SUBSIDYD_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Signer.PrivateKey = getEnvDefault("SUBSIDYD_SIGNER_KEY", cfg.Signer.PrivateKey)
	cfg.Signer.Keystore = getEnvDefault("SUBSIDYD_KEYSTORE", cfg.Signer.Keystore)
	cfg.Evidence.Path = getEnvDefault("SUBSIDYD_EVIDENCE_PATH", cfg.Evidence.Path)
	cfg.Indexer.Enabled = parseBoolEnv("SUBSIDYD_INDEXER_ENABLED", cfg.Indexer.Enabled)
	cfg.Audit.Enabled = parseBoolEnv("SUBSIDYD_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Hour = parseIntEnv("SUBSIDYD_AUDIT_HOUR", cfg.Audit.Hour)
	cfg.Audit.Minute = parseIntEnv("SUBSIDYD_AUDIT_MINUTE", cfg.Audit.Minute)
	cfg.Audit.OutputDir = getEnvDefault("SUBSIDYD_AUDIT_DIR", cfg.Audit.OutputDir)

	cfg.Telemetry.Endpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure)
	cfg.Telemetry.Traces = parseBoolEnv("OTEL_TRACES_ENABLED", cfg.Telemetry.Traces)
	cfg.Telemetry.Metrics = parseBoolEnv("OTEL_METRICS_ENABLED", cfg.Telemetry.Metrics)
	if raw := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); raw != "" {
		if headers := telemetry.ParseHeaders(raw); len(headers) > 0 {
			cfg.Telemetry.Headers = headers
		}
	}
	if raw := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); raw != "" {
		cfg.Telemetry.SampleRatio = telemetry.ParseSampleRatio(raw)
	}

	if envName := strings.TrimSpace(cfg.Signer.PrivateKeyEnv); envName != "" && cfg.Signer.PrivateKey == "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return fmt.Errorf("signer.private_key_env %s is empty", envName)
		}
		cfg.Signer.PrivateKey = value
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8085"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "subsidyd.db"
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Signer.PassphraseEnv == "" {
		cfg.Signer.PassphraseEnv = "SUBSIDYD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "agrisubsidy"
	}
	if cfg.Auth.Leeway.Duration == 0 {
		cfg.Auth.Leeway.Duration = 30 * time.Second
	}
	if cfg.Evidence.Path == "" {
		cfg.Evidence.Path = "evidence.db"
	}
	if cfg.Evidence.MaxBytes <= 0 {
		cfg.Evidence.MaxBytes = 10 << 20
	}
	if cfg.Reconcile.StoreRetries == 0 {
		cfg.Reconcile.StoreRetries = 5
	}
	if cfg.Reconcile.StoreRetryInterval.Duration == 0 {
		cfg.Reconcile.StoreRetryInterval.Duration = 200 * time.Millisecond
	}
	if cfg.Reconcile.StoreTimeout.Duration == 0 {
		cfg.Reconcile.StoreTimeout.Duration = 5 * time.Second
	}
	if cfg.Reconcile.PendingGrace.Duration == 0 {
		cfg.Reconcile.PendingGrace.Duration = 10 * time.Minute
	}
	if cfg.Reconcile.SweepInterval.Duration == 0 {
		cfg.Reconcile.SweepInterval.Duration = time.Minute
	}
	if cfg.Reconcile.SweepStaleAfter.Duration == 0 {
		cfg.Reconcile.SweepStaleAfter.Duration = 30 * time.Second
	}
	if cfg.Indexer.BatchBlocks == 0 {
		cfg.Indexer.BatchBlocks = 2000
	}
	if cfg.Indexer.PollInterval.Duration == 0 {
		cfg.Indexer.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Audit.OutputDir == "" {
		cfg.Audit.OutputDir = "audit"
	}
	if cfg.Audit.Timezone == "" {
		cfg.Audit.Timezone = "UTC"
	}
	if cfg.Audit.Grace.Duration == 0 {
		cfg.Audit.Grace.Duration = time.Hour
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate reports the first invalid setting by its configuration key.
func (c Config) Validate() error {
	if c.Chain.Simulated {
		if strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod") {
			return fmt.Errorf("chain.simulated is not allowed when env is %s", c.Env)
		}
	} else if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url must be configured")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.Contract) {
		return fmt.Errorf("chain.contract must be a hex address")
	}
	if c.Signer.PrivateKey == "" && c.Signer.Keystore == "" {
		return fmt.Errorf("signer.private_key or signer.keystore must be configured")
	}
	if c.Signer.PrivateKey != "" && c.Signer.Keystore != "" {
		return fmt.Errorf("signer.private_key and signer.keystore are mutually exclusive")
	}
	if c.Signer.Address != "" && !common.IsHexAddress(c.Signer.Address) {
		return fmt.Errorf("signer.address must be a hex address")
	}
	if len(strings.TrimSpace(c.Auth.JWTSecret)) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Reconcile.StoreRetries < 0 {
		return fmt.Errorf("reconcile.store_retries must not be negative")
	}
	if c.Audit.Hour < 0 || c.Audit.Hour > 23 {
		return fmt.Errorf("audit.hour must be between 0 and 23")
	}
	if c.Audit.Minute < 0 || c.Audit.Minute > 59 {
		return fmt.Errorf("audit.minute must be between 0 and 59")
	}
	if _, err := time.LoadLocation(c.Audit.Timezone); err != nil {
		return fmt.Errorf("audit.timezone %q: %w", c.Audit.Timezone, err)
	}
	for _, f := range c.Audit.Formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "csv", "parquet":
		default:
			return fmt.Errorf("audit.formats: unsupported format %q", f)
		}
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ChainIDBig returns the chain id as a big integer.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// ContractAddress returns the registry address.
func (c ChainConfig) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract)
}

// Location returns the audit schedule time zone.
func (a AuditConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// LogAttrs describes the configuration with secrets masked.
func (c Config) LogAttrs() []any {
	return []any{
		slog.String("env", c.Env),
		slog.String("listen", c.Listen),
		logging.MaskField("database_url", c.Database.URL),
		slog.String("rpc_url", c.Chain.RPCURL),
		slog.Bool("chain_simulated", c.Chain.Simulated),
		slog.Int64("chain_id", c.Chain.ChainID),
		slog.String("contract", c.Chain.Contract),
		slog.Uint64("confirmations", c.Chain.Confirmations),
		logging.MaskField("signer_key", c.Signer.PrivateKey),
		slog.String("keystore", c.Signer.Keystore),
		logging.MaskField("jwt_secret", c.Auth.JWTSecret),
		slog.Bool("indexer", c.Indexer.Enabled),
		slog.Bool("audit", c.Audit.Enabled),
	}
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
