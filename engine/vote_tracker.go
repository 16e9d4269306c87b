package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/bondberry/types"
)

// MaxTimestampDrift is the allowed clock drift for endorsement timestamps
const MaxTimestampDrift = 10 * time.Minute

// VoteTracker tracks the endorsements of a single operation: prevote
// signatures over its digest and the set of precommitters. It also carries
// the local progress flags for that operation.
//
// VoteTracker is not safe for concurrent use; the engine lock guards it.
type VoteTracker struct {
	op     *types.Operation
	view   uint64
	slot   uint64
	digest types.Hash

	precommits *types.NodeSet

	// Local progress
	prevoted     bool
	precommitted bool
	executed     bool
	proposedAt   time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewVoteTracker starts tracking op at (view, slot)
func NewVoteTracker(op *types.Operation, view, slot uint64) *VoteTracker {
	return &VoteTracker{
		op:         op,
		view:       view,
		slot:       slot,
		digest:     op.Digest(),
		precommits: types.NewNodeSet(),
		proposedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// Operation returns the tracked operation. Callers must copy it before
// handing it outside the engine.
func (vt *VoteTracker) Operation() *types.Operation { return vt.op }

// Digest returns the operation digest every endorsement signs
func (vt *VoteTracker) Digest() types.Hash { return vt.digest }

// AddPrevote verifies sig with verify and appends it, deduplicated by signer.
// Returns false for duplicates.
func (vt *VoteTracker) AddPrevote(sig types.Signature, verify func(types.Signature) error) (bool, error) {
	if vt.op.HasSignatureFrom(sig.Signer) {
		return false, nil
	}

	sigTime := time.Unix(0, sig.Timestamp)
	now := time.Now()
	if sigTime.After(now.Add(MaxTimestampDrift)) {
		return false, fmt.Errorf("%w: signature timestamp too far in future", ErrInvalidMessage)
	}
	if sigTime.Before(now.Add(-MaxTimestampDrift)) {
		return false, fmt.Errorf("%w: signature timestamp too far in past", ErrInvalidMessage)
	}

	if err := verify(sig); err != nil {
		return false, err
	}
	return vt.op.AddSignature(sig), nil
}

// AddPrecommit records a precommit from node. Returns false for duplicates.
func (vt *VoteTracker) AddPrecommit(node types.NodeID) bool {
	return vt.precommits.Add(node)
}

// Precommits returns the number of distinct precommitters
func (vt *VoteTracker) Precommits() int {
	return vt.precommits.Len()
}

// HasPrevoteQuorum reports whether enough signatures were collected
func (vt *VoteTracker) HasPrevoteQuorum() bool {
	return vt.op.HasQuorum()
}

// HasCommitQuorum reports whether both signatures and precommits reached
// the operation's required count
func (vt *VoteTracker) HasCommitQuorum() bool {
	return vt.op.HasQuorum() && vt.precommits.Len() >= vt.op.RequiredSignatures
}

// Done is closed once the operation is terminal and, for commits, executed
func (vt *VoteTracker) Done() <-chan struct{} { return vt.done }

func (vt *VoteTracker) finish() {
	vt.doneOnce.Do(func() { close(vt.done) })
}
