// Package config loads the custodial engine's YAML configuration,
// following the teacher's local-file-override convention: a
// config.local.yaml next to config.yaml is preferred when present so a
// developer machine never needs to touch the checked-in file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenConfig describes one ERC-20 tracked on a chain.
type TokenConfig struct {
	Address       string `yaml:"address"`
	Decimals      int    `yaml:"decimals"`
	MinDeposit    string `yaml:"minDeposit"`
	MinWithdrawal string `yaml:"minWithdrawal"`
	MaxWithdrawal string `yaml:"maxWithdrawal"`
	WithdrawalFee string `yaml:"withdrawalFee"`
}

// ChainConfig is the per-chain section of spec §6's configuration
// table.
type ChainConfig struct {
	Name                        string                 `yaml:"name"`
	RPCURL                      string                 `yaml:"rpcUrl"`     // push profile (ws)
	HTTPRPCURL                  string                 `yaml:"httpRpcUrl"` // pull profile (http)
	ChainID                     int64                  `yaml:"chainId"`
	NativeCurrency              string                 `yaml:"nativeCurrency"`
	RequiredConfirmations       int                    `yaml:"requiredConfirmations"`
	MinDeposit                  string                 `yaml:"minDeposit"`
	MinWithdrawal               string                 `yaml:"minWithdrawal"`
	MaxWithdrawal               string                 `yaml:"maxWithdrawal"`
	WithdrawalFee               string                 `yaml:"withdrawalFee"`
	WithdrawalProcessorContract string                 `yaml:"withdrawalProcessorContractAddress"`
	Tokens                      map[string]TokenConfig `yaml:"tokens"`

	// GasLimitNative is the flat gas limit used for a native sweep
	// (spec §4.3 step 5): 21000.
	GasLimitNative uint64 `yaml:"gasLimitNative"`
	// GasLimitERC20 sizes the hot wallet's gas top-up transfer before an
	// ERC-20 sweep.
	GasLimitERC20 uint64 `yaml:"gasLimitErc20"`
}

// HotWalletConfig holds the custodian's signing material. PrivateKeyEnc
// is "iv:ciphertext" hex, AES-256-CBC, matching spec §6.
type HotWalletConfig struct {
	Address       string `yaml:"address"`
	PrivateKeyEnc string `yaml:"privateKeyEncrypted"`
}

// SecretsConfig is the 32-byte encryption key plus the hot wallet.
type SecretsConfig struct {
	EncryptionKeyHex string          `yaml:"encryptionKeyHex"` // 32 bytes hex-encoded
	HotWallet        HotWalletConfig `yaml:"hotWallet"`
}

// StoreConfig configures the Postgres-backed key/value adapter.
type StoreConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// WindowConfig controls withdrawal batching cadence and deposit
// recovery/cache timing, all named in spec §4.3/§4.5.
type WindowConfig struct {
	WithdrawalWindowMs   int64  `yaml:"withdrawalWindowMs"`
	ConfirmPollSeconds   int    `yaml:"confirmPollSeconds"`
	RecoveryIntervalMin  int    `yaml:"recoveryIntervalMinutes"`
	RecoveryLookback     uint64 `yaml:"recoveryLookbackBlocks"`
	BlockCacheTTLSeconds int    `yaml:"blockCacheTtlSeconds"`
	AverageBlockSeconds  int    `yaml:"averageBlockSeconds"`
	MaxRetries           int    `yaml:"maxRetries"`
}

// ServerConfig is the ambient metrics/health surface, not the excluded
// business API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NATSConfig mirrors the teacher's NATSConfig shape for the outbound
// notification mirror (internal/notify).
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	Enabled       bool   `yaml:"enabled"`
}

// Config is the root document.
type Config struct {
	Server  ServerConfig           `yaml:"server"`
	Store   StoreConfig            `yaml:"store"`
	Windows WindowConfig           `yaml:"windows"`
	Secrets SecretsConfig          `yaml:"secrets"`
	Chains  map[string]ChainConfig `yaml:"chains"`
	NATS    NATSConfig             `yaml:"nats"`
}

// AppConfig is the process-wide loaded configuration, set once at
// startup by Load.
var AppConfig *Config

// Load reads and parses the YAML configuration file. If path is empty
// it defaults to "config.yaml", preferring "config.local.yaml" when
// present (teacher's LoadConfig convention).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			path = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	AppConfig = &cfg
	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("config: no chains configured")
	}
	if cfg.Secrets.EncryptionKeyHex == "" {
		return fmt.Errorf("config: secrets.encryptionKeyHex is required")
	}
	for name, chain := range cfg.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("config: chain %q missing chainId", name)
		}
		if chain.RequiredConfirmations <= 0 {
			return fmt.Errorf("config: chain %q requiredConfirmations must be positive", name)
		}
		if chain.GasLimitNative == 0 {
			chain.GasLimitNative = 21000
			cfg.Chains[name] = chain
		}
	}
	if cfg.Windows.MaxRetries <= 0 {
		cfg.Windows.MaxRetries = 5
	}
	if cfg.Windows.WithdrawalWindowMs <= 0 {
		cfg.Windows.WithdrawalWindowMs = 60_000
	}
	if cfg.Windows.RecoveryIntervalMin <= 0 {
		cfg.Windows.RecoveryIntervalMin = 5
	}
	if cfg.Windows.RecoveryLookback <= 0 {
		cfg.Windows.RecoveryLookback = 500
	}
	if cfg.Windows.AverageBlockSeconds <= 0 {
		cfg.Windows.AverageBlockSeconds = 1
	}
	return nil
}

// ChainByID returns the configured chain whose ChainID matches, along
// with its config-map key (the "chain" identifier used throughout the
// store, e.g. "mind").
func (c *Config) ChainByID(chainID int64) (string, ChainConfig, bool) {
	for name, chain := range c.Chains {
		if chain.ChainID == chainID {
			return name, chain, true
		}
	}
	return "", ChainConfig{}, false
}
