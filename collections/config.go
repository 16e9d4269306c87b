package collections

import (
	"fmt"
	"time"

	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
)

// Collection names
const (
	EvidenceCollection     = "evidence"
	RelationshipCollection = "relationships"
	InviteCollection       = "invites"
)

// Config holds configuration for the three collections
type Config struct {
	Evidence      storage.Config `yaml:"evidence"`
	Relationships storage.Config `yaml:"relationships"`
	Invites       storage.Config `yaml:"invites"`

	// MinEvidenceSize is the smallest accepted encrypted payload (IV plus tag)
	MinEvidenceSize int `yaml:"min_evidence_size"`
	// MaxClockSkew bounds how far in the future an evidence timestamp may be
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`

	InviteTTL time.Duration `yaml:"invite_ttl"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Evidence:        storage.DefaultConfig(EvidenceCollection),
		Relationships:   storage.DefaultConfig(RelationshipCollection),
		Invites:         storage.DefaultConfig(InviteCollection),
		MinEvidenceSize: 32,
		MaxClockSkew:    time.Minute,
		DefaultPageSize: 20,
		MaxPageSize:     100,
		InviteTTL:       7 * 24 * time.Hour,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	for _, sc := range []storage.Config{cfg.Evidence, cfg.Relationships, cfg.Invites} {
		if err := sc.ValidateBasic(); err != nil {
			return err
		}
	}
	if cfg.Evidence.Collection == cfg.Relationships.Collection ||
		cfg.Evidence.Collection == cfg.Invites.Collection ||
		cfg.Relationships.Collection == cfg.Invites.Collection {
		return fmt.Errorf("%w: collection names must be distinct", types.ErrValidation)
	}
	if cfg.MinEvidenceSize < 1 {
		return fmt.Errorf("%w: min evidence size must be positive", types.ErrValidation)
	}
	if cfg.DefaultPageSize < 1 || cfg.MaxPageSize < cfg.DefaultPageSize {
		return fmt.Errorf("%w: invalid page sizes", types.ErrValidation)
	}
	if cfg.InviteTTL <= 0 {
		return fmt.Errorf("%w: invite ttl must be positive", types.ErrValidation)
	}
	return nil
}
