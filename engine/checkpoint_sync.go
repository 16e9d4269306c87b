package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/types"
)

// ErrNoAvailablePeers is returned by SyncOnce without providers
var ErrNoAvailablePeers = errors.New("no peers available for sync")

// CheckpointProvider is a peer able to serve its current checkpoint.
// *Engine implements it.
type CheckpointProvider interface {
	ID() types.NodeID
	Roster() Roster
	ExportCheckpoint() ([]byte, error)
}

// SyncState tracks the state of checkpoint synchronization
type SyncState int

const (
	// SyncStateIdle - not syncing
	SyncStateIdle SyncState = iota
	// SyncStateSyncing - a peer is ahead
	SyncStateSyncing
	// SyncStateCaughtUp - at or ahead of every peer
	SyncStateCaughtUp
)

// String implements fmt.Stringer
func (s SyncState) String() string {
	switch s {
	case SyncStateIdle:
		return "idle"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateCaughtUp:
		return "caught_up"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SyncStatus is a snapshot of syncer progress
type SyncStatus struct {
	State          SyncState
	Sequence       uint64
	TargetSequence uint64
	Restored       int
}

// CheckpointSyncer brings a joining or lagging engine up to the position
// of its most advanced peer by restoring that peer's checkpoint.
type CheckpointSyncer struct {
	mu sync.RWMutex

	target    *Engine
	providers []CheckpointProvider
	logger    *zap.Logger

	state          SyncState
	targetSequence uint64
	restored       int
}

// NewCheckpointSyncer creates a syncer for target
func NewCheckpointSyncer(target *Engine, logger *zap.Logger) *CheckpointSyncer {
	return &CheckpointSyncer{
		target: target,
		logger: logging.OrNop(logger).With(zap.String("component", "checkpoint_sync")),
	}
}

// Target returns the node being synced
func (cs *CheckpointSyncer) Target() types.NodeID { return cs.target.ID() }

// Domain returns the consensus domain being synced
func (cs *CheckpointSyncer) Domain() string { return cs.target.Domain() }

// AddProvider registers a peer to sync from
func (cs *CheckpointSyncer) AddProvider(p CheckpointProvider) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if p.ID() == cs.target.ID() {
		return
	}
	for _, existing := range cs.providers {
		if existing.ID() == p.ID() {
			return
		}
	}
	cs.providers = append(cs.providers, p)
}

// SyncOnce restores the checkpoint of the most advanced non-Byzantine
// provider if it is ahead of the target. Returns true if a checkpoint was
// restored.
func (cs *CheckpointSyncer) SyncOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	cs.mu.RLock()
	providers := append([]CheckpointProvider(nil), cs.providers...)
	cs.mu.RUnlock()

	if len(providers) == 0 {
		return false, ErrNoAvailablePeers
	}

	local := cs.target.Roster()
	var best CheckpointProvider
	bestRoster := local
	for _, p := range providers {
		if cs.target.IsByzantine(p.ID()) {
			continue
		}
		r := p.Roster()
		if r.Sequence > bestRoster.Sequence ||
			(r.Sequence == bestRoster.Sequence && r.View > bestRoster.View) {
			best, bestRoster = p, r
		}
	}

	cs.mu.Lock()
	cs.targetSequence = bestRoster.Sequence
	if best == nil {
		cs.markCaughtUpLocked(local.Sequence)
		cs.mu.Unlock()
		return false, nil
	}
	if cs.state != SyncStateSyncing {
		cs.logger.Info("starting checkpoint sync",
			zap.String("peer", best.ID().String()),
			zap.Uint64("from", local.Sequence),
			zap.Uint64("to", bestRoster.Sequence))
	}
	cs.state = SyncStateSyncing
	cs.mu.Unlock()

	data, err := best.ExportCheckpoint()
	if err != nil {
		return false, fmt.Errorf("failed to fetch checkpoint from %s: %w", best.ID(), err)
	}
	if err := cs.target.RestoreCheckpoint(data); err != nil {
		if errors.Is(err, ErrStaleCheckpoint) {
			// The target advanced on its own in the meantime
			return false, nil
		}
		return false, err
	}

	cs.mu.Lock()
	cs.restored++
	cs.markCaughtUpLocked(bestRoster.Sequence)
	cs.mu.Unlock()
	return true, nil
}

// markCaughtUpLocked moves to CaughtUp. Caller holds cs.mu.
func (cs *CheckpointSyncer) markCaughtUpLocked(seq uint64) {
	if cs.state == SyncStateCaughtUp {
		return
	}
	cs.state = SyncStateCaughtUp
	cs.logger.Info("caught up", zap.Uint64("sequence", seq))
}

// State returns the current sync state
func (cs *CheckpointSyncer) State() SyncState {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.state
}

// Status returns a snapshot of sync progress
func (cs *CheckpointSyncer) Status() SyncStatus {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return SyncStatus{
		State:          cs.state,
		Sequence:       cs.target.Roster().Sequence,
		TargetSequence: cs.targetSequence,
		Restored:       cs.restored,
	}
}
