package manager

import (
	"fmt"
	"time"

	"github.com/blockberries/bondberry/types"
)

// Config holds configuration for the system manager
type Config struct {
	// NodeID is the local node; it is the reporter of manager-originated
	// Byzantine reports.
	NodeID types.NodeID `yaml:"node_id"`

	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// MonitorInterval is how often RunMonitor samples peer liveness
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// LiveWindow is how recently a peer must have been heard from to
	// count as up in a sample
	LiveWindow time.Duration `yaml:"live_window"`

	Thresholds AlertThresholds `yaml:"thresholds"`
}

// AlertThresholds bound per-node metrics before an alert is raised
type AlertThresholds struct {
	MaxByzantineFlags uint64        `yaml:"max_byzantine_flags"`
	MinUptime         float64       `yaml:"min_uptime"` // percent
	MaxResponseTime   time.Duration `yaml:"max_response_time"`
	MaxMessageRate    float64       `yaml:"max_message_rate"` // per second
}

// DefaultThresholds returns the default alert thresholds
func DefaultThresholds() AlertThresholds {
	return AlertThresholds{
		MaxByzantineFlags: 3,
		MinUptime:         95,
		MaxResponseTime:   5 * time.Second,
		MaxMessageRate:    1000,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxRecoveryAttempts: 3,
		MonitorInterval:     time.Second,
		LiveWindow:          3 * time.Second,
		Thresholds:          DefaultThresholds(),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.NodeID.IsEmpty() {
		return fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	if cfg.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("%w: max recovery attempts must be at least 1", types.ErrValidation)
	}
	if cfg.MonitorInterval <= 0 || cfg.LiveWindow <= 0 {
		return fmt.Errorf("%w: monitor interval and live window must be positive", types.ErrValidation)
	}
	if cfg.Thresholds.MinUptime < 0 || cfg.Thresholds.MinUptime > 100 {
		return fmt.Errorf("%w: min uptime must be a percentage", types.ErrValidation)
	}
	return nil
}
