package engine

import (
	"fmt"
	"time"

	"github.com/blockberries/bondberry/types"
)

// ConsensusState is the replicated state of one consensus domain. It is
// owned by an Engine and only mutated under the engine lock.
type ConsensusState struct {
	CurrentView     uint64
	CurrentSequence uint64

	ActiveNodes    *types.NodeSet
	ByzantineNodes *types.NodeSet

	// PendingOperations holds only non-terminal operations
	PendingOperations map[string]*types.Operation

	// CommittedOperations lists operation IDs in commit order
	CommittedOperations []string

	LastCheckpoint time.Time
}

// NewConsensusState creates an empty state
func NewConsensusState() *ConsensusState {
	return &ConsensusState{
		ActiveNodes:       types.NewNodeSet(),
		ByzantineNodes:    types.NewNodeSet(),
		PendingOperations: make(map[string]*types.Operation),
	}
}

// AddActive adds id to the active set. Byzantine nodes are refused so the
// two sets stay disjoint.
func (s *ConsensusState) AddActive(id types.NodeID) bool {
	if s.ByzantineNodes.Has(id) {
		return false
	}
	return s.ActiveNodes.Add(id)
}

// MarkByzantine moves id from the active set to the Byzantine set.
// Returns false if it was already Byzantine.
func (s *ConsensusState) MarkByzantine(id types.NodeID) bool {
	s.ActiveNodes.Remove(id)
	return s.ByzantineNodes.Add(id)
}

// IsByzantine reports whether id has been flagged
func (s *ConsensusState) IsByzantine(id types.NodeID) bool {
	return s.ByzantineNodes.Has(id)
}

// RequiredSignatures returns 2f+1 for the active set
func (s *ConsensusState) RequiredSignatures() int {
	return s.ActiveNodes.Quorum()
}

// HasPending reports whether an operation is in flight
func (s *ConsensusState) HasPending() bool {
	return len(s.PendingOperations) > 0
}

// Roster is a published snapshot of membership and position
type Roster struct {
	Active    []types.NodeID
	Byzantine []types.NodeID
	View      uint64
	Sequence  uint64
}

// Roster returns a snapshot of the state's membership
func (s *ConsensusState) Roster() Roster {
	return Roster{
		Active:    s.ActiveNodes.Sorted(),
		Byzantine: s.ByzantineNodes.Sorted(),
		View:      s.CurrentView,
		Sequence:  s.CurrentSequence,
	}
}

// Checkpoint is the encoded form of a consensus checkpoint. Pending
// operations are never included.
type Checkpoint struct {
	View      uint64         `cbor:"1,keyasint"`
	Sequence  uint64         `cbor:"2,keyasint"`
	Committed []string       `cbor:"3,keyasint,omitempty"`
	Active    []types.NodeID `cbor:"4,keyasint,omitempty"`
	Timestamp int64          `cbor:"5,keyasint"`
}

// checkpoint captures the state as a Checkpoint taken at now
func (s *ConsensusState) checkpoint(now time.Time) *Checkpoint {
	return &Checkpoint{
		View:      s.CurrentView,
		Sequence:  s.CurrentSequence,
		Committed: append([]string(nil), s.CommittedOperations...),
		Active:    s.ActiveNodes.Sorted(),
		Timestamp: now.UnixNano(),
	}
}

// applyCheckpoint resets position and committed log to cp. Active nodes
// from the checkpoint are merged, Byzantine ones are skipped.
func (s *ConsensusState) applyCheckpoint(cp *Checkpoint) {
	s.CurrentView = cp.View
	s.CurrentSequence = cp.Sequence
	s.CommittedOperations = append([]string(nil), cp.Committed...)
	for _, id := range cp.Active {
		s.AddActive(id)
	}
	s.LastCheckpoint = time.Unix(0, cp.Timestamp)
}

// DecodeCheckpoint decodes a checkpoint produced by CreateCheckpoint
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	if err := types.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("%w: malformed checkpoint: %v", types.ErrValidation, err)
	}
	if len(cp.Committed) > 0 && uint64(len(cp.Committed)) > cp.Sequence {
		return nil, fmt.Errorf("%w: checkpoint lists %d commits at sequence %d",
			types.ErrValidation, len(cp.Committed), cp.Sequence)
	}
	return cp, nil
}
