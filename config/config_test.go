package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != ":8080" {
		t.Fatalf("unexpected RPC address %q", cfg.RPCAddress)
	}
	if cfg.MetricsAddress != ":2112" {
		t.Fatalf("unexpected metrics address %q", cfg.MetricsAddress)
	}
	if cfg.NetworkName != "escrow-local" {
		t.Fatalf("unexpected network name %q", cfg.NetworkName)
	}
	if cfg.OperatorKeystorePath == "" {
		t.Fatalf("keystore path not populated")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("keystore not written: %v", err)
	}
}

func TestLoadParsesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "operator.keystore")
	contents := fmt.Sprintf(`RPCAddress = "0.0.0.0:9000"
MetricsAddress = ":9100"
DataDir = "./data"
NetworkName = "testnet"
OperatorKeystorePath = "%s"

[Log]
Environment = "test"
File = "escrowd.log"

[Telemetry]
Enabled = true
Endpoint = "otel:4318"
Insecure = true
Metrics = true
Traces = true
SampleRatio = 0.25

[Quota]
MutationsPerMinute = 30
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "0.0.0.0:9000" || cfg.MetricsAddress != ":9100" {
		t.Fatalf("addresses not parsed: %+v", cfg)
	}
	if cfg.NetworkName != "testnet" {
		t.Fatalf("network name not parsed: %q", cfg.NetworkName)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "otel:4318" || cfg.Telemetry.SampleRatio != 0.25 {
		t.Fatalf("telemetry not parsed: %+v", cfg.Telemetry)
	}
	if cfg.Quota.MutationsPerMinute != 30 {
		t.Fatalf("quota not parsed: %+v", cfg.Quota)
	}
	if cfg.Log.MaxSizeMB != 100 || cfg.Log.MaxBackups != 5 || cfg.Log.MaxAgeDays != 28 {
		t.Fatalf("rotation defaults not applied: %+v", cfg.Log)
	}
	if _, err := os.Stat(keystorePath); err != nil {
		t.Fatalf("keystore not bootstrapped: %v", err)
	}
}

func TestLoadPersistsGeneratedKeystorePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":9000"
DataDir = "./data"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperatorKeystorePath == "" {
		t.Fatalf("keystore path not generated")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reread config: %v", err)
	}
	if !strings.Contains(string(raw), "OperatorKeystorePath") {
		t.Fatalf("generated keystore path not persisted:\n%s", raw)
	}
}

func TestLoadRejectsDeprecatedOperatorKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":9000"
DataDir = "./data"
OperatorKey = "aabbcc"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "deprecated OperatorKey") {
		t.Fatalf("expected deprecated field rejection, got %v", err)
	}
}

func TestLoadSkipsKeystoreWithKMSEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `RPCAddress = ":9000"
DataDir = "./data"
OperatorKMSEnv = "ESCROWD_OPERATOR_KEY"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperatorKeystorePath != "" {
		t.Fatalf("keystore must not be bootstrapped under KMS: %q", cfg.OperatorKeystorePath)
	}
	if _, err := os.Stat(filepath.Join(dir, "operator.keystore")); !os.IsNotExist(err) {
		t.Fatalf("keystore file must not exist, stat err=%v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			RPCAddress: ":8080",
			DataDir:    "./data",
		}
	}

	if err := ValidateConfig(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rpc address", func(c *Config) { c.RPCAddress = " " }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"negative rotation", func(c *Config) { c.Log.MaxSizeMB = -1 }},
		{"sample ratio too high", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
		{"negative quota", func(c *Config) { c.Quota.MutationsPerMinute = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := ValidateConfig(cfg); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestRPCThrottle(t *testing.T) {
	cfg := &Config{Quota: Quota{MutationsPerMinute: 30}}
	throttle, err := cfg.RPCThrottle()
	if err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if throttle.MutationsPerMinute != 30 {
		t.Fatalf("unexpected throttle %+v", throttle)
	}

	cfg.Quota.MutationsPerMinute = -2
	if _, err := cfg.RPCThrottle(); err == nil {
		t.Fatalf("expected rejection for negative quota")
	}
}
