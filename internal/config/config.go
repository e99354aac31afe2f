package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all node configuration loaded from the YAML config file.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Genesis holds bootstrap file locations.
	Genesis GenesisConfig `yaml:"genesis"`

	// Witness holds block-producer settings.
	Witness WitnessConfig `yaml:"witness"`

	// Storage holds storage settings.
	Storage StorageConfig `yaml:"storage"`

	// RPC holds the query-surface settings.
	RPC RPCConfig `yaml:"rpc"`

	// Logging holds logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// GenesisConfig holds bootstrap file locations.
type GenesisConfig struct {
	// DataFile is the path to the genesis data file.
	DataFile string `yaml:"data_file"`

	// HistoryFile is the optional mainnet bootstrap history file.
	HistoryFile string `yaml:"history_file,omitempty"`

	// HistoryFileHash is the expected blake2s hash of the history file,
	// hex encoded. Treated as configuration, not computed.
	HistoryFileHash string `yaml:"history_file_hash,omitempty"`
}

// WitnessConfig holds block-producer settings.
type WitnessConfig struct {
	// Index is this node's witness index, or -1 when not a witness.
	Index int `yaml:"index"`

	// PrivateKeyFile is the path to the witness signing key file.
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
}

// IsWitness reports whether this node produces blocks.
func (w *WitnessConfig) IsWitness() bool {
	return w.Index >= 0
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// RPCConfig holds the query-surface settings.
type RPCConfig struct {
	// Addr is the HTTP listen address, empty to disable.
	Addr string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// Blockchain returns the blockchain id for the configured network.
func (c *Config) Blockchain() uint64 {
	if c.NetworkType == Testnet {
		return TestnetBlockchain
	}
	return MainnetBlockchain
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == Testnet
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: Mainnet,
		Genesis: GenesisConfig{
			DataFile: "genesis.dat",
		},
		Witness: WitnessConfig{
			Index: -1,
		},
		Storage: StorageConfig{
			DataDir: "~/.veild",
		},
		RPC: RPCConfig{
			Addr: "127.0.0.1:8484",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
