package collections

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/storage"
)

// Store is the part of a collection store shared by every record kind
type Store interface {
	Collection() string
	Len() int
	VerifyAllIntegrity() storage.IntegrityReport
	RecoverCorruptedData(key string) error
	SetObserver(o storage.Observer)
	SetMetrics(m *metrics.Recorder)
}

// EngineFactory returns the consensus engine for a collection
type EngineFactory func(collection string) (storage.Consensus, error)

// Collections is one node's view of the evidence, relationship and invite
// collections.
type Collections struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	// serializes read-modify-write of relationships
	relMu sync.Mutex

	evidence      *storage.Store[Evidence]
	relationships *storage.Store[Relationship]
	invites       *storage.Store[Invite]
}

// NewCollections builds one store per collection, each committing through
// the engine engineFor returns for it.
func NewCollections(
	cfg Config,
	engineFor EngineFactory,
	backend storage.Backend,
	registry *privval.Registry,
	signers []privval.Signer,
	logger *zap.Logger,
) (*Collections, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	c := &Collections{
		config: cfg,
		logger: logger.With(zap.String("component", "collections")),
		now:    time.Now,
	}

	var err error
	if c.evidence, err = newStore[Evidence](cfg.Evidence, engineFor, backend, registry, signers, logger); err != nil {
		return nil, err
	}
	if c.relationships, err = newStore[Relationship](cfg.Relationships, engineFor, backend, registry, signers, logger); err != nil {
		return nil, err
	}
	if c.invites, err = newStore[Invite](cfg.Invites, engineFor, backend, registry, signers, logger); err != nil {
		return nil, err
	}
	return c, nil
}

func newStore[T any](
	cfg storage.Config,
	engineFor EngineFactory,
	backend storage.Backend,
	registry *privval.Registry,
	signers []privval.Signer,
	logger *zap.Logger,
) (*storage.Store[T], error) {
	eng, err := engineFor(cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", cfg.Collection, err)
	}
	store, err := storage.NewStore[T](cfg, eng, backend, registry, signers, logger)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", cfg.Collection, err)
	}
	return store, nil
}

// Evidence returns the evidence store
func (c *Collections) Evidence() *storage.Store[Evidence] { return c.evidence }

// Relationships returns the relationship store
func (c *Collections) Relationships() *storage.Store[Relationship] { return c.relationships }

// Invites returns the invite store
func (c *Collections) Invites() *storage.Store[Invite] { return c.invites }

// Stores returns every collection store
func (c *Collections) Stores() []Store {
	return []Store{c.evidence, c.relationships, c.invites}
}

// SetObserver sets the observer of every store
func (c *Collections) SetObserver(o storage.Observer) {
	for _, s := range c.Stores() {
		s.SetObserver(o)
	}
}

// SetMetrics sets the metrics recorder of every store
func (c *Collections) SetMetrics(m *metrics.Recorder) {
	for _, s := range c.Stores() {
		s.SetMetrics(m)
	}
}
