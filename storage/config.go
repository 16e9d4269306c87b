package storage

import (
	"fmt"

	"github.com/blockberries/bondberry/types"
)

// Config holds configuration for one collection
type Config struct {
	// Collection names the collection. It doubles as the backend bucket
	// and is bound into replica signatures.
	Collection string `yaml:"collection"`

	// ReplicationFactor is the number of holders each entry is copied to
	ReplicationFactor int `yaml:"replication_factor"`

	// VirtualNodes per holder on the placement ring
	VirtualNodes int `yaml:"virtual_nodes"`
}

// DefaultConfig returns a default configuration for collection
func DefaultConfig(collection string) Config {
	return Config{
		Collection:        collection,
		ReplicationFactor: 3,
		VirtualNodes:      DefaultVirtualNodes,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.Collection == "" {
		return fmt.Errorf("%w: empty collection", types.ErrValidation)
	}
	if cfg.ReplicationFactor < 1 {
		return fmt.Errorf("%w: replication factor must be at least 1", types.ErrValidation)
	}
	if cfg.VirtualNodes < 1 {
		return fmt.Errorf("%w: virtual nodes must be at least 1", types.ErrValidation)
	}
	return nil
}
