package storage

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/blockberries/bondberry/types"
)

// DefaultVirtualNodes is the number of ring points per holder
const DefaultVirtualNodes = 128

// Ring places keys on holders by consistent hashing. Adding or removing a
// holder only moves the keys adjacent to its points.
type Ring struct {
	mu       sync.RWMutex
	replicas int
	points   []uint32 // sorted
	owners   map[uint32]types.NodeID
	members  *types.NodeSet
}

// NewRing creates an empty ring with replicas points per holder
func NewRing(replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &Ring{
		replicas: replicas,
		owners:   make(map[uint32]types.NodeID),
		members:  types.NewNodeSet(),
	}
}

// Sync makes nodes the ring's exact membership
func (r *Ring) Sync(nodes []types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := types.NewNodeSet(nodes...)
	if want.Len() == r.members.Len() {
		same := true
		for _, id := range nodes {
			if !r.members.Has(id) {
				same = false
				break
			}
		}
		if same {
			return
		}
	}

	r.members = want
	r.points = r.points[:0]
	clear(r.owners)
	for _, id := range want.Sorted() {
		for i := 0; i < r.replicas; i++ {
			pt := fnv32a(pointKey(id, i))
			if _, taken := r.owners[pt]; taken {
				continue
			}
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Len returns the number of holders on the ring
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members.Len()
}

// LookupN returns up to n distinct holders for key in ring order
func (r *Ring) LookupN(key string, n int) []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := fnv32a([]byte(key))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	seen := make(map[types.NodeID]struct{}, n)
	out := make([]types.NodeID, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(id types.NodeID, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(id), buf[:]...)
}
