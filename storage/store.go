package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/engine"
	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/privval"
	"github.com/blockberries/bondberry/types"
)

// Consensus is what a Store commits its mutations through.
// *engine.Engine implements it.
type Consensus interface {
	Domain() string
	Propose(opType string, initiator types.NodeID, data []byte) (string, error)
	WaitForCommit(ctx context.Context, opID string) (*types.Operation, error)
	SetCommitHandler(fn engine.CommitHandler)
	Roster() engine.Roster
}

// Observer is told the outcome of every storage operation
type Observer interface {
	OnStorageOperation(collection, op string, err error)
}

// Operation names, also the prefixes of consensus operation types
const (
	OpStore    = "store"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpRetrieve = "retrieve"
)

// outcomeCacheSize bounds how many apply results stay available to the
// proposing caller.
const outcomeCacheSize = 1024

// StorageMetrics counts what a Store has done
type StorageMetrics struct {
	TotalEntries        int
	ReplicatedEntries   uint64
	IntegrityFailures   uint64
	ConsensusOperations uint64
	ByzantineDetections uint64
	RecoveryOperations  uint64
}

// IntegrityReport is the result of VerifyAllIntegrity
type IntegrityReport struct {
	TotalChecked     int
	IntegrityPassed  int
	IntegrityFailed  int
	CorruptedEntries []string
	ByzantineNodes   []types.NodeID
	RecoveryNeeded   []string
}

// Store is a replicated collection of T values.
//
// writeMu serializes mutations across propose and commit; mu guards the
// entry map and is taken by the commit handler.
type Store[T any] struct {
	writeMu sync.Mutex
	mu      sync.RWMutex

	config    Config
	consensus Consensus
	backend   Backend
	registry  *privval.Registry
	signers   map[types.NodeID]privval.Signer
	ring      *Ring
	logger    *zap.Logger
	metrics   *metrics.Recorder
	observer  Observer

	entries map[string]*StorageEntry[T]
	proofs  map[string]*IntegrityProof
	stats   StorageMetrics

	// apply results by operation ID; a nil value means applied
	outcomes *lru.Cache[string, error]
}

// NewStore opens the collection on backend, reloading any persisted
// entries, and installs itself as the commit handler of consensus. signers
// are the replica holders this process can sign for.
func NewStore[T any](
	cfg Config,
	consensus Consensus,
	backend Backend,
	registry *privval.Registry,
	signers []privval.Signer,
	logger *zap.Logger,
) (*Store[T], error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if consensus == nil || backend == nil || registry == nil {
		return nil, fmt.Errorf("%w: consensus, backend and registry are required", types.ErrValidation)
	}

	outcomes, err := lru.New[string, error](outcomeCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store[T]{
		config:    cfg,
		consensus: consensus,
		backend:   backend,
		registry:  registry,
		signers:   make(map[types.NodeID]privval.Signer, len(signers)),
		ring:      NewRing(cfg.VirtualNodes),
		logger:    logging.OrNop(logger).With(zap.String("collection", cfg.Collection)),
		entries:   make(map[string]*StorageEntry[T]),
		proofs:    make(map[string]*IntegrityProof),
		outcomes:  outcomes,
	}
	for _, signer := range signers {
		if err := registry.RegisterSigner(signer); err != nil {
			return nil, err
		}
		s.signers[signer.ID()] = signer
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	consensus.SetCommitHandler(s.applyCommitted)
	return s, nil
}

// SetMetrics sets the metrics recorder
func (s *Store[T]) SetMetrics(m *metrics.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetObserver sets the operation observer
func (s *Store[T]) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Collection returns the collection name
func (s *Store[T]) Collection() string { return s.config.Collection }

func (s *Store[T]) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.backend.ForEach(s.config.Collection, func(key string, raw []byte) error {
		e, proof, err := decodeRecord[T](raw)
		if err != nil {
			return fmt.Errorf("entry %q: %w", key, err)
		}
		s.entries[key] = e
		if proof != nil {
			s.proofs[key] = proof
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", s.config.Collection, err)
	}
	s.stats.TotalEntries = len(s.entries)
	if len(s.entries) > 0 {
		s.logger.Info("reloaded entries", zap.Int("entries", len(s.entries)))
	}
	return nil
}

// Store creates key through consensus. Returns the operation ID.
func (s *Store[T]) Store(ctx context.Context, key string, data T, initiator types.NodeID) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	raw, err := types.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode value: %v", types.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.has(key) {
		err := fmt.Errorf("%w: %s", ErrAlreadyExists, key)
		s.observe(OpStore, err)
		return "", err
	}
	return s.commit(ctx, OpStore, key, raw, initiator)
}

// Update replaces the value of an existing key through consensus
func (s *Store[T]) Update(ctx context.Context, key string, data T, initiator types.NodeID) (string, error) {
	raw, err := types.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode value: %v", types.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.has(key) {
		err := fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		s.observe(OpUpdate, err)
		return "", err
	}
	return s.commit(ctx, OpUpdate, key, raw, initiator)
}

// Delete removes an existing key through consensus
func (s *Store[T]) Delete(ctx context.Context, key string, initiator types.NodeID) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.has(key) {
		err := fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		s.observe(OpDelete, err)
		return "", err
	}
	return s.commit(ctx, OpDelete, key, nil, initiator)
}

func (s *Store[T]) has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// rateLimitBackoff is how long commit waits before proposing again when
// the engine is at its proposal budget
const rateLimitBackoff = 20 * time.Millisecond

// commit proposes kind_key and waits for it to be applied. Caller holds
// writeMu.
func (s *Store[T]) commit(ctx context.Context, kind, key string, raw []byte, initiator types.NodeID) (string, error) {
	opID, err := s.propose(ctx, kind+"_"+key, initiator, raw)
	if err != nil {
		s.observe(kind, err)
		return "", err
	}
	if _, err := s.consensus.WaitForCommit(ctx, opID); err != nil {
		s.observe(kind, err)
		return opID, err
	}
	applyErr, ok := s.outcomes.Get(opID)
	if !ok {
		err := fmt.Errorf("%w: no outcome recorded for %s", ErrNotApplied, opID)
		s.observe(kind, err)
		return opID, err
	}
	if applyErr != nil {
		return opID, fmt.Errorf("%w: %w", ErrNotApplied, applyErr)
	}
	return opID, nil
}

// propose retries while the engine is rate limited, until ctx is done
func (s *Store[T]) propose(ctx context.Context, opType string, initiator types.NodeID, raw []byte) (string, error) {
	for {
		opID, err := s.consensus.Propose(opType, initiator, raw)
		if !errors.Is(err, engine.ErrRateLimited) {
			return opID, err
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(rateLimitBackoff):
		}
	}
}

// applyCommitted is the commit handler. It runs on every node that
// commits the operation.
func (s *Store[T]) applyCommitted(op *types.Operation) error {
	kind, key, ok := strings.Cut(op.Type, "_")
	if !ok || key == "" {
		return fmt.Errorf("%w: unexpected operation type %q", types.ErrValidation, op.Type)
	}

	var err error
	switch kind {
	case OpStore:
		err = s.applyStore(op, key)
	case OpUpdate:
		err = s.applyUpdate(op, key)
	case OpDelete:
		err = s.applyDelete(op, key)
	default:
		err = fmt.Errorf("%w: unexpected operation type %q", types.ErrValidation, op.Type)
	}
	s.outcomes.Add(op.ID, err)
	s.observe(kind, err)
	return err
}

func (s *Store[T]) decodeValue(raw []byte) (T, error) {
	var value T
	if err := types.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("%w: failed to decode value: %v", types.ErrValidation, err)
	}
	return value, nil
}

func (s *Store[T]) applyStore(op *types.Operation, key string) error {
	value, err := s.decodeValue(op.Data)
	if err != nil {
		return err
	}
	hash, raw, err := types.HashValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	at := time.Unix(0, op.Timestamp)
	e := &StorageEntry[T]{
		Key:            key,
		Data:           value,
		Hash:           hash,
		ConsensusProof: op.Digest(),
		CreatedAt:      at,
		UpdatedAt:      at,
		Version:        1,
	}
	if err := s.sealLocked(e, raw, op.Digest(), op.CollectedSignatures); err != nil {
		return err
	}
	s.stats.TotalEntries = len(s.entries)
	s.stats.ConsensusOperations++
	s.logger.Debug("stored entry", zap.String("key", key), zap.String("operation_id", op.ID))
	return nil
}

func (s *Store[T]) applyUpdate(op *types.Operation, key string) error {
	value, err := s.decodeValue(op.Data)
	if err != nil {
		return err
	}
	hash, raw, err := types.HashValue(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	e := current.Copy()
	e.Data = value
	e.Hash = hash
	e.ConsensusProof = op.Digest()
	e.UpdatedAt = time.Unix(0, op.Timestamp)
	e.Version++
	if err := s.sealLocked(e, raw, op.Digest(), op.CollectedSignatures); err != nil {
		return err
	}
	s.stats.ConsensusOperations++
	s.logger.Debug("updated entry",
		zap.String("key", key),
		zap.Uint64("version", e.Version),
		zap.String("operation_id", op.ID))
	return nil
}

func (s *Store[T]) applyDelete(op *types.Operation, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	if err := s.backend.Delete(s.config.Collection, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	delete(s.entries, key)
	delete(s.proofs, key)
	s.stats.TotalEntries = len(s.entries)
	s.stats.ConsensusOperations++
	s.logger.Debug("deleted entry", zap.String("key", key), zap.String("operation_id", op.ID))
	return nil
}

// sealLocked replicates e, builds its integrity proof when consensus
// endorsements are known, persists it and installs it. Caller holds mu.
func (s *Store[T]) sealLocked(e *StorageEntry[T], raw []byte, digest types.Hash, sigs []types.Signature) error {
	e.Replicas = s.replicateLocked(e.Key, e.Version, e.Hash, raw)

	var proof *IntegrityProof
	if !types.IsHashEmpty(digest) {
		proof = s.buildProof(e, digest, sigs)
	}

	rec, err := encodeRecord(e, proof)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", e.Key, err)
	}
	if err := s.backend.Put(s.config.Collection, e.Key, rec); err != nil {
		return fmt.Errorf("failed to persist %s: %w", e.Key, err)
	}

	s.entries[e.Key] = e
	if proof != nil {
		s.proofs[e.Key] = proof
	} else {
		delete(s.proofs, e.Key)
	}
	return nil
}

// replicateLocked copies raw to up to ReplicationFactor active holders in
// ring order. Holders this process cannot sign for are skipped.
func (s *Store[T]) replicateLocked(key string, version uint64, hash types.Hash, raw []byte) []Replica {
	s.ring.Sync(s.consensus.Roster().Active)
	holders := s.ring.LookupN(key, s.ring.Len())

	ts := time.Now().UnixNano()
	replicas := make([]Replica, 0, s.config.ReplicationFactor)
	for _, id := range holders {
		if len(replicas) == s.config.ReplicationFactor {
			break
		}
		signer, ok := s.signers[id]
		if !ok {
			continue
		}
		sig, err := signer.Sign(ReplicaSignBytes(s.config.Collection, key, version, hash, ts))
		if err != nil {
			s.logger.Warn("replica holder failed to sign",
				zap.String("key", key),
				zap.String("holder", id.String()),
				zap.Error(err))
			continue
		}
		replicas = append(replicas, Replica{
			NodeID:    id,
			DataHash:  hash.Copy(),
			Signature: sig,
			Timestamp: ts,
			Value:     append([]byte(nil), raw...),
		})
	}
	if len(replicas) < s.config.ReplicationFactor {
		s.logger.Debug("entry under-replicated",
			zap.String("key", key),
			zap.Int("replicas", len(replicas)),
			zap.Int("want", s.config.ReplicationFactor))
	}
	s.stats.ReplicatedEntries++
	return replicas
}

// Retrieve returns the value of key after verifying its integrity
func (s *Store[T]) Retrieve(key string) (T, error) {
	var zero T

	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		err := fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		s.observe(OpRetrieve, err)
		return zero, err
	}
	raw, err := s.verifyEntryLocked(e, s.proofs[key])
	s.mu.RUnlock()

	if err != nil {
		s.mu.Lock()
		s.stats.IntegrityFailures++
		s.mu.Unlock()
		s.metrics.ObserveIntegrityFailure(s.config.Collection)
		s.logger.Warn("integrity check failed", zap.String("key", key), zap.Error(err))
		err = fmt.Errorf("%s: %w", key, err)
		s.observe(OpRetrieve, err)
		return zero, err
	}

	// decode a fresh copy so callers never alias the stored value
	value, err := s.decodeValue(raw)
	s.observe(OpRetrieve, err)
	return value, err
}

// Entry returns a copy of the entry for key without verifying it
func (s *Store[T]) Entry(key string) (*StorageEntry[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	return e.Copy(), nil
}

// Proof returns a copy of the integrity proof for key
func (s *Store[T]) Proof(key string) (*IntegrityProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[key]
	if !ok {
		return nil, fmt.Errorf("%w: proof for %s", ErrEntryNotFound, key)
	}
	return p.Copy(), nil
}

// Keys returns the keys starting with prefix in sorted order
func (s *Store[T]) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Metrics returns a snapshot of the store counters
func (s *Store[T]) Metrics() StorageMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Tamper rewrites the in-memory entry for key through fn, bypassing
// consensus and persistence. Used to inject faults in simulations.
func (s *Store[T]) Tamper(key string, fn func(e *StorageEntry[T])) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	cp := e.Copy()
	fn(cp)
	cp.Key = key
	s.entries[key] = cp
	return nil
}

func (s *Store[T]) observe(op string, err error) {
	s.mu.RLock()
	observer, m := s.observer, s.metrics
	s.mu.RUnlock()
	m.ObserveStorageOp(s.config.Collection, op, err)
	if observer != nil {
		observer.OnStorageOperation(s.config.Collection, op, err)
	}
}
