package types

import (
	"sort"
	"strings"
)

// NodeID identifies a participant. It is owned by the identity layer and
// treated as an opaque value here.
type NodeID string

// String implements fmt.Stringer
func (id NodeID) String() string { return string(id) }

// IsEmpty reports whether the identifier is unset
func (id NodeID) IsEmpty() bool { return strings.TrimSpace(string(id)) == "" }

// FaultTolerance returns f = floor((n-1)/3), the number of Byzantine nodes
// tolerated among n nodes. It is 0 for n <= 1.
func FaultTolerance(n int) int {
	if n <= 1 {
		return 0
	}
	return (n - 1) / 3
}

// QuorumSize returns 2f+1 for n nodes.
func QuorumSize(n int) int {
	return 2*FaultTolerance(n) + 1
}

// NodeSet is a set of node identifiers with deterministic iteration order.
// The zero value is not usable; create one with NewNodeSet.
type NodeSet struct {
	members map[NodeID]struct{}
}

// NewNodeSet creates a set holding ids. Duplicates and empty ids are dropped.
func NewNodeSet(ids ...NodeID) *NodeSet {
	s := &NodeSet{members: make(map[NodeID]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id and reports whether it was newly added
func (s *NodeSet) Add(id NodeID) bool {
	if id.IsEmpty() {
		return false
	}
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether it was present
func (s *NodeSet) Remove(id NodeID) bool {
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	return true
}

// Has reports membership
func (s *NodeSet) Has(id NodeID) bool {
	_, ok := s.members[id]
	return ok
}

// Len returns the number of members
func (s *NodeSet) Len() int {
	return len(s.members)
}

// Sorted returns the members in lexical order
func (s *NodeSet) Sorted() []NodeID {
	out := make([]NodeID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Copy returns an independent copy
func (s *NodeSet) Copy() *NodeSet {
	return NewNodeSet(s.Sorted()...)
}

// FaultTolerance returns f for the current membership
func (s *NodeSet) FaultTolerance() int {
	return FaultTolerance(s.Len())
}

// Quorum returns 2f+1 for the current membership
func (s *NodeSet) Quorum() int {
	return QuorumSize(s.Len())
}
