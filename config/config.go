// Package config loads the node configuration from a YAML file with
// BONDBERRY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockberries/bondberry/collections"
	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/manager"
	"github.com/blockberries/bondberry/types"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "BONDBERRY_"

// Config is the complete node configuration
type Config struct {
	NodeID types.NodeID `yaml:"node_id"`
	// DataDir holds the bolt database, WAL and audit log
	DataDir string `yaml:"data_dir"`
	// KeyFile is the node's signing key; generated on first start
	KeyFile string `yaml:"key_file"`
	// Peers are the simulated nodes run alongside this one
	Peers []types.NodeID `yaml:"peers"`

	MetricsAddr        string        `yaml:"metrics_addr"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	Consensus   engine.Config       `yaml:"consensus"`
	Collections collections.Config  `yaml:"collections"`
	Manager     manager.Config      `yaml:"manager"`
	Log         logging.LogConfig   `yaml:"log"`
	Audit       logging.AuditConfig `yaml:"audit"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		NodeID:             "node0",
		DataDir:            "data",
		Peers:              []types.NodeID{"node1", "node2", "node3"},
		MetricsAddr:        ":9464",
		CheckpointInterval: 30 * time.Second,
		Consensus:          *engine.DefaultConfig(),
		Collections:        collections.DefaultConfig(),
		Manager:            manager.DefaultConfig(),
		Log:                logging.DefaultLogConfig(),
		Audit:              logging.DefaultAuditConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides,
// fills derived fields and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Resolve()
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	cfg.NodeID = types.NodeID(envWithDefault("NODE_ID", cfg.NodeID.String()))
	cfg.DataDir = envWithDefault("DATA_DIR", cfg.DataDir)
	cfg.KeyFile = envWithDefault("KEY_FILE", cfg.KeyFile)
	cfg.MetricsAddr = envWithDefault("METRICS_ADDR", cfg.MetricsAddr)
	cfg.Log.Level = envWithDefault("LOG_LEVEL", cfg.Log.Level)

	if v := env("PEERS"); v != "" {
		cfg.Peers = cfg.Peers[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Peers = append(cfg.Peers, types.NodeID(p))
			}
		}
	}
	if v := env("CONSENSUS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sCONSENSUS_TIMEOUT: %v", types.ErrValidation, EnvPrefix, err)
		}
		cfg.Consensus.ConsensusTimeout = d
	}
	if v := env("REPLICATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sREPLICATION_FACTOR: %v", types.ErrValidation, EnvPrefix, err)
		}
		cfg.Collections.Evidence.ReplicationFactor = n
		cfg.Collections.Relationships.ReplicationFactor = n
		cfg.Collections.Invites.ReplicationFactor = n
	}
	return nil
}

// Resolve fills fields derived from others. Load calls it.
func (cfg *Config) Resolve() {
	cfg.Consensus.NodeID = cfg.NodeID
	cfg.Manager.NodeID = cfg.NodeID
	cfg.Log.NodeID = cfg.NodeID.String()
	cfg.Audit.NodeID = cfg.NodeID.String()
	if cfg.Audit.FilePath == "" {
		cfg.Audit.FilePath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.DataDir, "node_key.json")
	}
}

// BoltPath is where the node's durable store lives
func (cfg *Config) BoltPath() string {
	return filepath.Join(cfg.DataDir, "bondberry.db")
}

// SignerStatePath holds the local signer's last-sign state, next to its key
func (cfg *Config) SignerStatePath() string {
	return filepath.Join(filepath.Dir(cfg.KeyFile), "signer_state.json")
}

// WALDir is the WAL directory of one collection
func (cfg *Config) WALDir(collection string) string {
	return filepath.Join(cfg.DataDir, "wal", collection)
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.NodeID.IsEmpty() {
		return fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("%w: empty data dir", types.ErrValidation)
	}
	seen := types.NewNodeSet(cfg.NodeID)
	for _, p := range cfg.Peers {
		if p.IsEmpty() || seen.Has(p) {
			return fmt.Errorf("%w: duplicate or empty peer %q", types.ErrValidation, p)
		}
		seen.Add(p)
	}
	if cfg.CheckpointInterval < 0 {
		return fmt.Errorf("%w: negative checkpoint interval", types.ErrValidation)
	}

	// the domain is set per collection
	consensus := cfg.Consensus
	consensus.Domain = collections.EvidenceCollection
	if err := consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if err := cfg.Collections.ValidateBasic(); err != nil {
		return fmt.Errorf("collections: %w", err)
	}
	if err := cfg.Manager.ValidateBasic(); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func envWithDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}
