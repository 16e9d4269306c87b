package evidence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockberries/bondberry/types"
)

// MaxSeenMessages limits memory used for equivocation detection
const MaxSeenMessages = 100000

// DetectorConfig configures Byzantine pattern detection
type DetectorConfig struct {
	// FloodThreshold is the number of logged messages a sender may have
	// inside FloodWindow. One more is flooding.
	FloodThreshold int
	FloodWindow    time.Duration

	// MaxSeen bounds the equivocation index
	MaxSeen int
}

// DefaultDetectorConfig returns the default detection thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		FloodThreshold: 100,
		FloodWindow:    time.Second,
		MaxSeen:        MaxSeenMessages,
	}
}

// ValidateBasic validates the detector configuration
func (c DetectorConfig) ValidateBasic() error {
	if c.FloodThreshold <= 0 {
		return fmt.Errorf("%w: flood threshold must be positive", types.ErrValidation)
	}
	if c.FloodWindow <= 0 {
		return fmt.Errorf("%w: flood window must be positive", types.ErrValidation)
	}
	if c.MaxSeen <= 0 {
		return fmt.Errorf("%w: max seen must be positive", types.ErrValidation)
	}
	return nil
}

// Finding is the result of a positive detection
type Finding struct {
	Behavior Behavior
	Details  string
	// Conflicting is the earlier message for equivocation
	Conflicting *types.Message
}

// Detector recognizes equivocation, flooding and out-of-order messages.
// It only tracks messages passed to Record, which the engine calls for
// every message it accepts into its log.
type Detector struct {
	mu     sync.Mutex
	config DetectorConfig

	// key: sender/view/sequence/type
	seen map[string]*types.Message

	// Accept times per sender, oldest first
	recent map[types.NodeID][]time.Time
}

// NewDetector creates a detector
func NewDetector(config DetectorConfig) *Detector {
	return &Detector{
		config: config,
		seen:   make(map[string]*types.Message),
		recent: make(map[types.NodeID][]time.Time),
	}
}

// Check runs the pattern checks in order: equivocation, flooding, then
// ordering against the receiver's current view and sequence. It returns nil
// when msg is clean.
func (d *Detector) Check(msg *types.Message, view, seq uint64, now time.Time) *Finding {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.seen[messageKey(msg)]; ok && !types.HashEqual(prev.DataHash, msg.DataHash) {
		return &Finding{
			Behavior: BehaviorEquivocation,
			Details: fmt.Sprintf("conflicting %s at view=%d seq=%d: %s vs %s",
				msg.Type, msg.View, msg.Sequence, prev.DataHash.Short(), msg.DataHash.Short()),
			Conflicting: prev,
		}
	}

	if n := d.countRecent(msg.Sender, now); n > d.config.FloodThreshold {
		return &Finding{
			Behavior: BehaviorFlooding,
			Details:  fmt.Sprintf("%d messages within %s", n, d.config.FloodWindow),
		}
	}

	if msg.View > view+1 || msg.Sequence > seq+1 {
		return &Finding{
			Behavior: BehaviorInvalidOrdering,
			Details: fmt.Sprintf("message at view=%d seq=%d, local view=%d seq=%d",
				msg.View, msg.Sequence, view, seq),
		}
	}
	return nil
}

// Record remembers an accepted message and counts it toward its sender's
// rate
func (d *Detector) Record(msg *types.Message, now time.Time) {
	d.record(msg, now, true)
}

// RecordReply remembers a reply to an operation the receiver is tracking.
// The first reply per sender, slot and type does not count toward the
// flood rate; repeats do.
func (d *Detector) RecordReply(msg *types.Message, now time.Time) {
	d.record(msg, now, false)
}

func (d *Detector) record(msg *types.Message, now time.Time, rated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := messageKey(msg)
	if _, ok := d.seen[key]; ok {
		rated = true
	} else {
		if len(d.seen) >= d.config.MaxSeen {
			d.pruneOldest(d.config.MaxSeen / 10)
		}
		d.seen[key] = msg.Copy()
	}
	if rated {
		d.recent[msg.Sender] = append(d.recent[msg.Sender], now)
	}
}

// RecentCount returns how many rated messages sender has inside the flood
// window ending at now
func (d *Detector) RecentCount(sender types.NodeID, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.countRecent(sender, now)
}

// Forget drops all state about node
func (d *Detector) Forget(node types.NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.recent, node)
	for key, m := range d.seen {
		if m.Sender == node {
			delete(d.seen, key)
		}
	}
}

// PruneBelow drops equivocation state for sequences below seq
func (d *Detector) PruneBelow(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, m := range d.seen {
		if m.Sequence < seq {
			delete(d.seen, key)
		}
	}
}

// SeenCount returns the size of the equivocation index
func (d *Detector) SeenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// countRecent trims expired timestamps and returns how many remain.
// Caller must hold d.mu.
func (d *Detector) countRecent(sender types.NodeID, now time.Time) int {
	times := d.recent[sender]
	cutoff := now.Add(-d.config.FloodWindow)
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		times = append(times[:0], times[i:]...)
		if len(times) == 0 {
			delete(d.recent, sender)
		} else {
			d.recent[sender] = times
		}
	}
	return len(times)
}

// pruneOldest removes the n entries with the lowest (view, sequence).
// Caller must hold d.mu.
func (d *Detector) pruneOldest(n int) {
	if n <= 0 || len(d.seen) == 0 {
		return
	}
	keys := make([]string, 0, len(d.seen))
	for key := range d.seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := d.seen[keys[i]], d.seen[keys[j]]
		if a.View != b.View {
			return a.View < b.View
		}
		return a.Sequence < b.Sequence
	})
	if n > len(keys) {
		n = len(keys)
	}
	for _, key := range keys[:n] {
		delete(d.seen, key)
	}
}

// messageKey returns the equivocation key of msg
func messageKey(msg *types.Message) string {
	return fmt.Sprintf("%s/%d/%d/%d", msg.Sender, msg.View, msg.Sequence, msg.Type)
}
