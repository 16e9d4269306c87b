package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/collections"
	"github.com/blockberries/bondberry/config"
	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/manager"
	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/storage"
	"github.com/blockberries/bondberry/types"
	"github.com/blockberries/bondberry/wal"
)

// Node errors
var (
	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
	ErrUnknownNode    = fmt.Errorf("%w: unknown node", types.ErrNotFound)
)

// simulatedSeedPrefix derives the signing keys of simulated peers
const simulatedSeedPrefix = "bondberry-sim/"

// member is one node of the process
type member struct {
	id          types.NodeID
	signer      privval.Signer
	backend     storage.Backend
	engines     map[string]*engine.Engine
	collections *collections.Collections
}

// Node is a running bondberry process
type Node struct {
	mu sync.Mutex

	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Recorder
	audit    *logging.AuditLogger
	registry *privval.Registry

	domains  []string
	networks map[string]*engine.LocalNetwork
	groups   map[string]*domainGroup
	members  map[types.NodeID]*member
	order    []types.NodeID

	manager *manager.Manager
	syncers []*engine.CheckpointSyncer

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New builds a node from cfg. m may be nil.
func New(cfg *config.Config, logger *zap.Logger, m *metrics.Recorder) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	n := &Node{
		config:   cfg,
		logger:   logging.OrNop(logger).With(zap.String("node_id", cfg.NodeID.String())),
		metrics:  m,
		registry: privval.NewRegistry(privval.DefaultRegistryConfig()),
		domains: []string{
			cfg.Collections.Evidence.Collection,
			cfg.Collections.Relationships.Collection,
			cfg.Collections.Invites.Collection,
		},
		networks: make(map[string]*engine.LocalNetwork),
		groups:   make(map[string]*domainGroup),
		members:  make(map[types.NodeID]*member),
	}
	for _, d := range n.domains {
		n.networks[d] = engine.NewLocalNetwork(n.logger.With(zap.String("domain", d)))
		n.groups[d] = &domainGroup{name: d}
	}

	if err := n.build(); err != nil {
		_ = n.closeResources()
		return nil, err
	}
	return n, nil
}

func (n *Node) build() error {
	cfg := n.config

	audit, err := logging.NewAuditLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	n.audit = audit

	n.order = append([]types.NodeID{cfg.NodeID}, cfg.Peers...)
	signers := make([]privval.Signer, 0, len(n.order))
	for _, id := range n.order {
		signer, err := n.signerFor(id)
		if err != nil {
			return err
		}
		n.members[id] = &member{id: id, signer: signer, engines: make(map[string]*engine.Engine)}
		signers = append(signers, signer)
	}

	for _, id := range n.order {
		if err := n.buildMember(n.members[id], signers); err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
	}

	mgr, err := manager.NewManager(cfg.Manager, n.logger, n.audit)
	if err != nil {
		return err
	}
	mgr.SetMetrics(n.metrics)
	local := n.members[cfg.NodeID]
	for _, d := range n.domains {
		mgr.AddDomain(n.groups[d])
	}
	local.collections.SetObserver(mgr)
	local.collections.SetMetrics(n.metrics)
	for _, s := range local.collections.Stores() {
		mgr.AddCollection(s)
	}
	for _, m := range n.members {
		for _, eng := range m.engines {
			eng.SetByzantineObserver(mgr.ObserveByzantine)
		}
	}
	n.manager = mgr

	for _, d := range n.domains {
		for _, id := range n.order {
			target := n.members[id].engines[d]
			syncer := engine.NewCheckpointSyncer(target, n.logger.With(zap.String("domain", d), zap.String("sync_target", id.String())))
			for _, peer := range n.order {
				syncer.AddProvider(n.members[peer].engines[d])
			}
			n.syncers = append(n.syncers, syncer)
		}
	}
	return nil
}

func (n *Node) signerFor(id types.NodeID) (privval.Signer, error) {
	if id != n.config.NodeID {
		return privval.NewMemoryPVFromSeed(id, []byte(simulatedSeedPrefix+id)), nil
	}
	pv, err := privval.LoadOrGenFilePV(id, n.config.KeyFile, n.config.SignerStatePath())
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if pv.ID() != id {
		return nil, fmt.Errorf("%w: key file belongs to %s", types.ErrValidation, pv.ID())
	}
	return pv, nil
}

func (n *Node) buildMember(m *member, signers []privval.Signer) error {
	local := m.id == n.config.NodeID
	logger := n.logger
	if !local {
		logger = n.logger.With(zap.String("simulated", m.id.String()))
	}

	if local {
		backend, err := storage.OpenBoltBackend(storage.BoltOptions{Path: n.config.BoltPath()})
		if err != nil {
			return err
		}
		m.backend = backend
	} else {
		m.backend = storage.NewMemoryBackend()
	}

	engineFor := func(collection string) (storage.Consensus, error) {
		ecfg := n.config.Consensus
		ecfg.Domain = collection
		ecfg.NodeID = m.id

		var w wal.WAL
		if local {
			fw, err := wal.NewFileWALWithOptions(n.config.WALDir(collection), wal.Options{Logger: logger})
			if err != nil {
				return nil, err
			}
			w = fw
		}
		eng, err := engine.NewEngine(&ecfg, m.signer, n.registry, w, n.networks[collection], logger)
		if err != nil {
			return nil, err
		}
		for _, id := range n.order {
			if err := eng.AddNode(id); err != nil {
				return nil, err
			}
		}
		if local {
			eng.SetMetrics(n.metrics)
			n.groups[collection].local = eng
		}
		n.groups[collection].all = append(n.groups[collection].all, eng)
		n.networks[collection].Join(eng)
		m.engines[collection] = eng
		return eng, nil
	}

	colls, err := collections.NewCollections(n.config.Collections, engineFor, m.backend, n.registry, signers, logger)
	if err != nil {
		return err
	}
	m.collections = colls
	return nil
}

// Start starts every engine, brings lagging engines up to their most
// advanced peer, then opens the networks and starts the manager.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrAlreadyStarted
	}
	if n.stopped {
		return ErrNotStarted
	}
	ctx, n.cancel = context.WithCancel(ctx)

	var running []*engine.Engine
	for _, id := range n.order {
		for _, d := range n.domains {
			eng := n.members[id].engines[d]
			if err := eng.Start(ctx); err != nil {
				for _, e := range running {
					_ = e.Stop()
				}
				n.cancel()
				return fmt.Errorf("node %s domain %s: %w", id, d, err)
			}
			running = append(running, eng)
		}
	}

	// catch up before any message flows; once running, engines advance
	// through consensus
	for _, s := range n.syncers {
		if _, err := s.SyncOnce(ctx); err != nil {
			n.logger.Warn("initial checkpoint sync failed", zap.Error(err))
			continue
		}
		if st := s.Status(); st.Restored > 0 {
			n.logger.Info("engine caught up from checkpoint",
				zap.String("domain", s.Domain()),
				zap.String("node", s.Target().String()),
				zap.Uint64("sequence", st.Sequence))
		}
	}
	for _, d := range n.domains {
		n.networks[d].Start()
	}

	if _, err := n.manager.InitializeSystem(n.config.NodeID); err != nil {
		n.logger.Warn("manager initialization incomplete", zap.Error(err))
	}
	n.manager.RunMonitor(ctx)

	if n.config.CheckpointInterval > 0 {
		n.wg.Add(1)
		go n.checkpointRoutine(ctx)
	}

	n.started = true
	n.logger.Info("node started",
		zap.Int("nodes", len(n.order)),
		zap.Strings("domains", n.domains))
	return nil
}

// checkpointRoutine journals a checkpoint of every local engine each
// CheckpointInterval, pruning their WALs.
func (n *Node) checkpointRoutine(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range n.domains {
				if _, err := n.members[n.config.NodeID].engines[d].CreateCheckpoint(); err != nil {
					n.logger.Warn("checkpoint failed", zap.String("domain", d), zap.Error(err))
				}
			}
		}
	}
}

// Stop stops the node and releases its files. A stopped node cannot be
// restarted.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return ErrNotStarted
	}
	n.started = false
	n.stopped = true

	n.manager.Stop()
	n.cancel()
	n.wg.Wait()
	for _, d := range n.domains {
		n.networks[d].Stop()
	}

	var errs []error
	for _, id := range n.order {
		for _, d := range n.domains {
			if err := n.members[id].engines[d].Stop(); err != nil {
				errs = append(errs, fmt.Errorf("node %s domain %s: %w", id, d, err))
			}
		}
	}
	if err := n.closeResources(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

// closeResources closes backends and the audit log
func (n *Node) closeResources() error {
	var errs []error
	for _, m := range n.members {
		if m.backend != nil {
			if err := m.backend.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if n.audit != nil {
		if err := n.audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ID returns the local node
func (n *Node) ID() types.NodeID { return n.config.NodeID }

// Nodes returns the local node followed by its simulated peers
func (n *Node) Nodes() []types.NodeID { return append([]types.NodeID(nil), n.order...) }

// Collections returns the local node's collections
func (n *Node) Collections() *collections.Collections {
	return n.members[n.config.NodeID].collections
}

// CollectionsOf returns the collections of any node of the process
func (n *Node) CollectionsOf(id types.NodeID) (*collections.Collections, error) {
	m, ok := n.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return m.collections, nil
}

// Engine returns the engine of node id for a collection
func (n *Node) Engine(id types.NodeID, collection string) (*engine.Engine, error) {
	m, ok := n.members[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	eng, ok := m.engines[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", types.ErrNotFound, collection)
	}
	return eng, nil
}

// Network returns the in-process network of a collection
func (n *Node) Network(collection string) *engine.LocalNetwork { return n.networks[collection] }

// Manager returns the system manager
func (n *Node) Manager() *manager.Manager { return n.manager }
