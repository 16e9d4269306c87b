package engine

import (
	"sort"
	"time"

	"github.com/blockberries/bondberry/types"
)

// PeerInfo is a snapshot of what the engine knows about one node
type PeerInfo struct {
	ID               types.NodeID
	View             uint64
	Sequence         uint64
	LastSeen         time.Time
	MessagesReceived uint64
	Proposals        uint64
	CatchingUp       bool // peer reported a sequence behind ours
}

// PeerState tracks a peer's liveness and last reported position
type PeerState struct {
	info PeerInfo
}

// NewPeerState creates state for id, seen at now
func NewPeerState(id types.NodeID, now time.Time) *PeerState {
	return &PeerState{info: PeerInfo{ID: id, LastSeen: now}}
}

// ApplyMessage refreshes liveness and position from an accepted message
func (ps *PeerState) ApplyMessage(msg *types.Message, ourSeq uint64, now time.Time) {
	ps.info.LastSeen = now
	ps.info.MessagesReceived++
	if msg.Type == types.MessageTypePropose {
		ps.info.Proposals++
	}
	if msg.View > ps.info.View {
		ps.info.View = msg.View
	}
	if msg.Type == types.MessageTypeHeartbeat {
		ps.info.Sequence = msg.Sequence
		ps.info.CatchingUp = msg.Sequence < ourSeq
	}
}

// Touch refreshes liveness only
func (ps *PeerState) Touch(now time.Time) {
	ps.info.LastSeen = now
}

// Info returns a copy of the peer's state
func (ps *PeerState) Info() PeerInfo { return ps.info }

// SilentFor returns how long the peer has been silent at now
func (ps *PeerState) SilentFor(now time.Time) time.Duration {
	return now.Sub(ps.info.LastSeen)
}

// PeerSet tracks the state of every known peer. The engine lock guards it.
type PeerSet struct {
	peers map[types.NodeID]*PeerState
}

// NewPeerSet creates an empty set
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[types.NodeID]*PeerState)}
}

// Get returns the state for id, creating it if absent
func (ps *PeerSet) Get(id types.NodeID, now time.Time) *PeerState {
	p, ok := ps.peers[id]
	if !ok {
		p = NewPeerState(id, now)
		ps.peers[id] = p
	}
	return p
}

// Remove forgets id
func (ps *PeerSet) Remove(id types.NodeID) {
	delete(ps.peers, id)
}

// Silent returns the peers among candidates silent for longer than limit
func (ps *PeerSet) Silent(candidates []types.NodeID, limit time.Duration, now time.Time) []types.NodeID {
	var out []types.NodeID
	for _, id := range candidates {
		p, ok := ps.peers[id]
		if !ok {
			continue
		}
		if p.SilentFor(now) > limit {
			out = append(out, id)
		}
	}
	return out
}

// All returns snapshots of every peer, sorted by ID
func (ps *PeerSet) All() []PeerInfo {
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
