package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "subsidyd.yaml", `
listen: ":9000"
chain:
  rpc_url: http://localhost:8545
  chain_id: 31337
  contract: "0x00000000000000000000000000000000000a9151"
  confirm_timeout: 45s
signer:
  private_key: "0x01"
auth:
  jwt_secret: "`+secret+`"
reconcile:
  sweep_interval: 2m
audit:
  enabled: true
  formats: [csv]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, 45*time.Second, cfg.Chain.ConfirmTimeout.Duration)
	require.Equal(t, 2*time.Minute, cfg.Reconcile.SweepInterval.Duration)
	require.Equal(t, uint64(1), cfg.Chain.Confirmations)
	require.Equal(t, 5, cfg.Reconcile.StoreRetries)
	require.Equal(t, "subsidyd.db", cfg.Database.URL)
	require.Equal(t, int64(10<<20), cfg.Evidence.MaxBytes)
	require.Equal(t, "31337", cfg.Chain.ChainIDBig().String())
}

func TestLoadTOMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "subsidyd.toml", `
listen = ":9100"

[chain]
rpc_url = "http://node:8545"
chain_id = 1
contract = "0x00000000000000000000000000000000000a9151"
poll_interval = "750ms"

[auth]
jwt_secret = "`+secret+`"
`)
	t.Setenv("SUBSIDYD_LISTEN", ":9200")
	t.Setenv("SUBSIDYD_CHAIN_ID", "137")
	t.Setenv("SUBSIDYD_SIGNER_KEY", "0x02")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=token, x-team=ops")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9200", cfg.Listen)
	require.Equal(t, int64(137), cfg.Chain.ChainID)
	require.Equal(t, 750*time.Millisecond, cfg.Chain.PollInterval.Duration)
	require.Equal(t, "0x02", cfg.Signer.PrivateKey)
	require.Equal(t, map[string]string{"authorization": "token", "x-team": "ops"}, cfg.Telemetry.Headers)
	require.Equal(t, 0.1, cfg.Telemetry.SampleRatio)
}

func TestValidateNamesOffendingKey(t *testing.T) {
	base := func() Config {
		cfg := Config{
			Chain:  ChainConfig{RPCURL: "http://x", ChainID: 1, Contract: "0x00000000000000000000000000000000000a9151"},
			Signer: SignerConfig{PrivateKey: "0x01"},
			Auth:   AuthConfig{JWTSecret: secret},
		}
		applyDefaults(&cfg)
		return cfg
	}
	require.NoError(t, base().Validate())

	cases := []struct {
		key    string
		mutate func(*Config)
	}{
		{"chain.rpc_url", func(c *Config) { c.Chain.RPCURL = "" }},
		{"chain.contract", func(c *Config) { c.Chain.Contract = "nope" }},
		{"signer.private_key", func(c *Config) { c.Signer.PrivateKey = "" }},
		{"mutually exclusive", func(c *Config) { c.Signer.Keystore = "/keys" }},
		{"auth.jwt_secret", func(c *Config) { c.Auth.JWTSecret = "short" }},
		{"audit.hour", func(c *Config) { c.Audit.Hour = 24 }},
		{"audit.formats", func(c *Config) { c.Audit.Formats = []string{"xlsx"} }},
		{"log.level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.key) {
			t.Fatalf("%s: expected error naming the key, got %v", tc.key, err)
		}
	}
}

func TestValidateSimulatedChain(t *testing.T) {
	cfg := Config{
		Chain:  ChainConfig{Simulated: true, ChainID: 31337, Contract: "0x00000000000000000000000000000000000a9151"},
		Signer: SignerConfig{PrivateKey: "0x01"},
		Auth:   AuthConfig{JWTSecret: secret},
	}
	applyDefaults(&cfg)
	require.NoError(t, cfg.Validate())

	cfg.Env = "production"
	require.ErrorContains(t, cfg.Validate(), "chain.simulated")

	t.Setenv("SUBSIDYD_CHAIN_SIMULATED", "true")
	other := Config{}
	require.NoError(t, applyEnv(&other))
	require.True(t, other.Chain.Simulated)
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte("")))
	require.Zero(t, d.Duration)
}

func TestLogAttrsMaskSecrets(t *testing.T) {
	cfg := Config{Auth: AuthConfig{JWTSecret: secret}, Signer: SignerConfig{PrivateKey: "0xabc"}}
	for _, attr := range cfg.LogAttrs() {
		require.NotContains(t, attr.(interface{ String() string }).String(), secret)
		require.NotContains(t, attr.(interface{ String() string }).String(), "0xabc")
	}
}
