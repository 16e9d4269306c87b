package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/bondberry/evidence"
	"github.com/blockberries/bondberry/types"
)

// Config holds configuration for the consensus engine
type Config struct {
	// Domain names the consensus domain (one per collection). It is bound
	// into every signature.
	Domain string `yaml:"domain"`

	// NodeID is the local node
	NodeID types.NodeID `yaml:"node_id"`

	// Liveness
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxMissedHeartbeats evicts a silent node after this many intervals; 0 disables eviction
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats"`

	// ConsensusTimeout bounds how long an operation may stay pending
	ConsensusTimeout time.Duration `yaml:"consensus_timeout"`

	// Byzantine detection
	FloodThreshold int           `yaml:"flood_threshold"`
	FloodWindow    time.Duration `yaml:"flood_window"`

	// MaxLoggedMessages bounds the message log, oldest first
	MaxLoggedMessages int `yaml:"max_logged_messages"`

	// MaxTrackedOperations bounds how many finished operations stay queryable
	MaxTrackedOperations int `yaml:"max_tracked_operations"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Domain:               "default",
		HeartbeatInterval:    time.Second,
		MaxMissedHeartbeats:  6,
		ConsensusTimeout:     3 * time.Second,
		FloodThreshold:       100,
		FloodWindow:          time.Second,
		MaxLoggedMessages:    100000,
		MaxTrackedOperations: 10000,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.Domain == "" {
		return fmt.Errorf("%w: empty domain", types.ErrValidation)
	}
	if cfg.NodeID.IsEmpty() {
		return fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", types.ErrValidation)
	}
	if cfg.MaxMissedHeartbeats < 0 {
		return fmt.Errorf("%w: max missed heartbeats must not be negative", types.ErrValidation)
	}
	if cfg.ConsensusTimeout <= 0 {
		return fmt.Errorf("%w: consensus timeout must be positive", types.ErrValidation)
	}
	if cfg.MaxLoggedMessages <= 0 || cfg.MaxTrackedOperations <= 0 {
		return fmt.Errorf("%w: log bounds must be positive", types.ErrValidation)
	}
	return cfg.detectorConfig().ValidateBasic()
}

// EvictionAfter returns how long a node may stay silent before eviction,
// or 0 when eviction is disabled.
func (cfg *Config) EvictionAfter() time.Duration {
	if cfg.MaxMissedHeartbeats == 0 {
		return 0
	}
	return time.Duration(cfg.MaxMissedHeartbeats) * cfg.HeartbeatInterval
}

func (cfg *Config) detectorConfig() evidence.DetectorConfig {
	dc := evidence.DefaultDetectorConfig()
	dc.FloodThreshold = cfg.FloodThreshold
	dc.FloodWindow = cfg.FloodWindow
	return dc
}

// ProposalBudget is how many proposals a node may send per FloodWindow.
// Its heartbeats and a tenth of FloodThreshold are held back so that peers
// never count the node past FloodThreshold.
func (cfg *Config) ProposalBudget() int {
	heartbeats := int(cfg.FloodWindow/cfg.HeartbeatInterval) + 1
	return max(cfg.FloodThreshold-heartbeats-cfg.FloodThreshold/10, 1)
}
