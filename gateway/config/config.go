// Package config loads the escrow gateway's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig points the gateway at the escrowd JSON-RPC endpoint.
type NodeConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"authToken"`
}

// APIKeyConfig binds an API key and shared secret to a node address. Every
// mutation forwarded for this key acts as the bound address.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	Secret  string `yaml:"secret"`
	Address string `yaml:"address"`
}

// AuthConfig tunes HMAC verification and the nonce replay store.
type AuthConfig struct {
	TimestampSkew time.Duration `yaml:"timestampSkew"`
	NonceTTL      time.Duration `yaml:"nonceTTL"`
	NonceCapacity int           `yaml:"nonceCapacity"`
	NonceDBPath   string        `yaml:"nonceDBPath"`
}

// AdminConfig protects the /admin surface with HMAC-signed JWTs.
type AdminConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

// RateLimitConfig caps request throughput per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// WatcherConfig tunes the node event poll loop.
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// WebhookTarget is one delivery destination for escrow lifecycle events.
// An empty Events list subscribes the target to every event type.
type WebhookTarget struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Config is the gateway service configuration.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Node          NodeConfig      `yaml:"node"`
	DatabasePath  string          `yaml:"databasePath"`
	Auth          AuthConfig      `yaml:"auth"`
	APIKeys       []APIKeyConfig  `yaml:"apiKeys"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rateLimit"`
	Watcher       WatcherConfig   `yaml:"watcher"`
	Webhooks      []WebhookTarget `yaml:"webhooks"`
}

// Load reads and validates the configuration at path.
func Load(path string) (Config, error) {
	cfg := defaults()
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
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv lets deployments inject endpoints and secrets without writing them
// into the config file.
func (cfg *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NODE_URL")); v != "" {
		cfg.Node.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_NODE_TOKEN")); v != "" {
		cfg.Node.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_DB")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROW_GATEWAY_JWT_SECRET")); v != "" {
		cfg.Admin.JWTSecret = v
	}
}

func defaults() Config {
	return Config{
		ListenAddress: ":8081",
		DatabasePath:  "escrow-gateway.db",
		Auth: AuthConfig{
			TimestampSkew: 2 * time.Minute,
			NonceTTL:      10 * time.Minute,
			NonceCapacity: 4096,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             30,
		},
		Watcher: WatcherConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
		},
	}
}

func (cfg *Config) applyDefaults() {
	base := defaults()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = base.ListenAddress
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = base.DatabasePath
	}
	if cfg.Auth.TimestampSkew <= 0 {
		cfg.Auth.TimestampSkew = base.Auth.TimestampSkew
	}
	if cfg.Auth.NonceTTL <= 0 {
		cfg.Auth.NonceTTL = 2 * cfg.Auth.TimestampSkew
	}
	if cfg.Auth.NonceTTL < cfg.Auth.TimestampSkew {
		cfg.Auth.NonceTTL = cfg.Auth.TimestampSkew
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = base.Auth.NonceCapacity
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = base.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = base.RateLimit.Burst
	}
	if cfg.Watcher.PollInterval <= 0 {
		cfg.Watcher.PollInterval = base.Watcher.PollInterval
	}
	if cfg.Watcher.BatchSize <= 0 {
		cfg.Watcher.BatchSize = base.Watcher.BatchSize
	}
}

// Validate rejects configurations the gateway cannot serve with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Node.URL) == "" {
		return errors.New("node.url is required")
	}
	parsed, err := url.Parse(cfg.Node.URL)
	if err != nil {
		return fmt.Errorf("node.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("node.url: unsupported scheme %q", parsed.Scheme)
	}
	if len(cfg.APIKeys) == 0 {
		return errors.New("at least one apiKeys entry is required")
	}
	seen := make(map[string]struct{}, len(cfg.APIKeys))
	for i, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" || strings.TrimSpace(entry.Secret) == "" {
			return fmt.Errorf("apiKeys[%d]: key and secret are required", i)
		}
		if strings.TrimSpace(entry.Address) == "" {
			return fmt.Errorf("apiKeys[%d]: address binding is required", i)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("apiKeys[%d]: duplicate key %q", i, key)
		}
		seen[key] = struct{}{}
	}
	for i, hook := range cfg.Webhooks {
		target, err := url.Parse(strings.TrimSpace(hook.URL))
		if err != nil || target.Scheme == "" || target.Host == "" {
			return fmt.Errorf("webhooks[%d]: invalid url %q", i, hook.URL)
		}
		if strings.TrimSpace(hook.Secret) == "" {
			return fmt.Errorf("webhooks[%d]: secret is required", i)
		}
	}
	if len(cfg.Admin.JWTSecret) > 0 && len(cfg.Admin.JWTSecret) < 16 {
		return errors.New("admin.jwtSecret must be at least 16 bytes")
	}
	return nil
}

// Credentials flattens the API key entries into the authenticator's map form.
func (cfg *Config) Credentials() map[string]Credential {
	out := make(map[string]Credential, len(cfg.APIKeys))
	for _, entry := range cfg.APIKeys {
		out[strings.TrimSpace(entry.Key)] = Credential{
			Secret:  strings.TrimSpace(entry.Secret),
			Address: strings.TrimSpace(entry.Address),
		}
	}
	return out
}

// Credential mirrors the authenticator credential pair so the config package
// does not import it.
type Credential struct {
	Secret  string
	Address string
}

// AdminEnabled reports whether the admin surface should be mounted.
func (cfg *Config) AdminEnabled() bool {
	return strings.TrimSpace(cfg.Admin.JWTSecret) != ""
}
