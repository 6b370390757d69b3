package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"escrowd/cmd/internal/passphrase"
	"escrowd/config"
	"escrowd/crypto"

	"github.com/BurntSushi/toml"
)

// legacyConfig mirrors the node config file including the retired plaintext
// OperatorKey field. OperatorKey carries omitempty so the rewritten file
// drops the key instead of leaving a blank entry behind.
type legacyConfig struct {
	RPCAddress           string           `toml:"RPCAddress"`
	MetricsAddress       string           `toml:"MetricsAddress"`
	DataDir              string           `toml:"DataDir"`
	NetworkName          string           `toml:"NetworkName"`
	OperatorKey          string           `toml:"OperatorKey,omitempty"`
	OperatorKeystorePath string           `toml:"OperatorKeystorePath"`
	OperatorKMSEnv       string           `toml:"OperatorKMSEnv"`
	Log                  config.Log       `toml:"Log"`
	Telemetry            config.Telemetry `toml:"Telemetry"`
	Quota                config.Quota     `toml:"Quota"`
}

func runMigrateKeystore(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("migrate-keystore", stderr)
	var (
		configPath   string
		keystorePath string
		passFile     string
		force        bool
	)
	fs.StringVar(&configPath, "config", "./config.toml", "Path to the node config file")
	fs.StringVar(&keystorePath, "keystore", "", "Output path for the generated keystore file")
	fs.StringVar(&passFile, "pass-file", "", "File containing the keystore passphrase")
	fs.BoolVar(&force, "force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	source := passphrase.NewSource(passEnv, passFile)
	source.SetPrompt("Enter passphrase for migrated keystore: ")

	if err := migrateKeystore(configPath, keystorePath, source, force, stdout); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

func migrateKeystore(configPath, keystorePath string, source *passphrase.Source, force bool, stdout io.Writer) error {
	var cfg legacyConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if strings.TrimSpace(cfg.OperatorKey) == "" {
		return fmt.Errorf("config %s does not contain an OperatorKey field to migrate", configPath)
	}
	if cfg.OperatorKeystorePath != "" {
		return fmt.Errorf("config %s already references a keystore", configPath)
	}

	if keystorePath == "" {
		dir := filepath.Dir(configPath)
		if dir == "." || dir == "" {
			keystorePath = "operator.keystore"
		} else {
			keystorePath = filepath.Join(dir, "operator.keystore")
		}
	}

	if !force {
		if _, err := os.Stat(keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	pass, err := source.Get()
	if err != nil {
		return err
	}

	key, err := parseLegacyKey(cfg.OperatorKey)
	if err != nil {
		return err
	}

	if err := crypto.SaveToKeystore(keystorePath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}

	cfg.OperatorKey = ""
	cfg.OperatorKeystorePath = keystorePath
	if err := writeLegacyConfig(configPath, cfg); err != nil {
		return err
	}

	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("verification failed after migration: %w", err)
	}

	fmt.Fprintf(stdout, "Wrote keystore to %s and updated %s\n", keystorePath, configPath)
	return nil
}

func parseLegacyKey(value string) (*crypto.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("operator key is empty")
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid operator key encoding: %w", err)
	}
	return crypto.PrivateKeyFromBytes(raw)
}

func writeLegacyConfig(path string, cfg legacyConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
