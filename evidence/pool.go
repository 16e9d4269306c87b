package evidence

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockberries/bondberry/types"
)

// Errors
var (
	ErrInvalidEvidence    = errors.New("invalid evidence")
	ErrDuplicateEvidence  = errors.New("duplicate evidence")
	ErrEvidenceExpired    = errors.New("evidence expired")
	ErrInvalidMessageView = errors.New("messages have different views")
	ErrInvalidMessageSeq  = errors.New("messages have different sequences")
	ErrInvalidMessageType = errors.New("messages have different types")
	ErrInvalidSender      = errors.New("messages from different senders")
	ErrSameDataHash       = errors.New("messages with the same data hash are not equivocation")
)

// Behavior classifies observed Byzantine behavior
type Behavior string

const (
	BehaviorInvalidMessage  Behavior = "invalid_message"
	BehaviorEquivocation    Behavior = "equivocation"
	BehaviorFlooding        Behavior = "message_flooding"
	BehaviorInvalidOrdering Behavior = "invalid_ordering"
	BehaviorReported        Behavior = "reported"
)

// Evidence records one observation of Byzantine behavior by Node.
type Evidence struct {
	ID         string           `cbor:"1,keyasint"`
	Domain     string           `cbor:"2,keyasint"`
	Node       types.NodeID     `cbor:"3,keyasint"`
	Behavior   Behavior         `cbor:"4,keyasint"`
	Details    string           `cbor:"5,keyasint,omitempty"`
	DetectedAt time.Time        `cbor:"6,keyasint"`
	Messages   []*types.Message `cbor:"7,keyasint,omitempty"`
}

// NewEvidence creates evidence with a fresh ID
func NewEvidence(domain string, node types.NodeID, behavior Behavior, details string, msgs ...*types.Message) *Evidence {
	copies := make([]*types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			copies = append(copies, m.Copy())
		}
	}
	return &Evidence{
		ID:         uuid.NewString(),
		Domain:     domain,
		Node:       node,
		Behavior:   behavior,
		Details:    details,
		DetectedAt: time.Now(),
		Messages:   copies,
	}
}

// ValidateBasic checks required fields
func (ev *Evidence) ValidateBasic() error {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvidence)
	}
	if ev.Node.IsEmpty() {
		return fmt.Errorf("%w: empty node", ErrInvalidEvidence)
	}
	if ev.Behavior == "" {
		return fmt.Errorf("%w: empty behavior", ErrInvalidEvidence)
	}
	if ev.DetectedAt.IsZero() {
		return fmt.Errorf("%w: zero detection time", ErrInvalidEvidence)
	}
	return nil
}

// Config holds evidence pool configuration
type Config struct {
	// MaxAge is how long evidence is retained
	MaxAge time.Duration
	// MaxEvidence bounds the number of retained records
	MaxEvidence int
}

// DefaultConfig returns default evidence pool configuration
func DefaultConfig() Config {
	return Config{
		MaxAge:      48 * time.Hour,
		MaxEvidence: 10000,
	}
}

// Pool retains Byzantine evidence for inspection and auditing
type Pool struct {
	mu     sync.RWMutex
	config Config

	// Ordered by DetectedAt
	records []*Evidence
	keys    map[string]struct{}

	currentTime time.Time
}

// NewPool creates a new evidence pool
func NewPool(config Config) *Pool {
	return &Pool{
		config: config,
		keys:   make(map[string]struct{}),
	}
}

// Update advances the pool's clock and prunes expired evidence
func (p *Pool) Update(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentTime = now
	p.pruneExpired()
}

// AddEvidence adds evidence to the pool
func (p *Pool) AddEvidence(ev *Evidence) error {
	if err := ev.ValidateBasic(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := evidenceKey(ev)
	if _, ok := p.keys[key]; ok {
		return ErrDuplicateEvidence
	}
	if p.isExpired(ev) {
		return ErrEvidenceExpired
	}

	p.records = append(p.records, ev)
	p.keys[key] = struct{}{}

	if p.config.MaxEvidence > 0 && len(p.records) > p.config.MaxEvidence {
		p.pruneOldest(len(p.records) - p.config.MaxEvidence)
	}
	return nil
}

// List returns all retained evidence, oldest first
func (p *Pool) List() []*Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Evidence, len(p.records))
	copy(out, p.records)
	return out
}

// ForNode returns the evidence recorded against node
func (p *Pool) ForNode(node types.NodeID) []*Evidence {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Evidence
	for _, ev := range p.records {
		if ev.Node == node {
			out = append(out, ev)
		}
	}
	return out
}

// Size returns the number of retained evidence records
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// MessageVerifier verifies a consensus message signature
type MessageVerifier interface {
	VerifyMessage(domain string, msg *types.Message) error
}

// VerifyEquivocation checks that ev carries two validly signed messages from
// one sender at one (view, sequence, type) with different data hashes.
func VerifyEquivocation(ev *Evidence, verifier MessageVerifier) error {
	if ev.Behavior != BehaviorEquivocation || len(ev.Messages) != 2 {
		return fmt.Errorf("%w: equivocation needs exactly two messages", ErrInvalidEvidence)
	}
	a, b := ev.Messages[0], ev.Messages[1]

	if a.View != b.View {
		return ErrInvalidMessageView
	}
	if a.Sequence != b.Sequence {
		return ErrInvalidMessageSeq
	}
	if a.Type != b.Type {
		return ErrInvalidMessageType
	}
	if a.Sender != b.Sender || a.Sender != ev.Node {
		return ErrInvalidSender
	}
	if types.HashEqual(a.DataHash, b.DataHash) {
		return ErrSameDataHash
	}

	if err := verifier.VerifyMessage(ev.Domain, a); err != nil {
		return fmt.Errorf("invalid signature on message A: %w", err)
	}
	if err := verifier.VerifyMessage(ev.Domain, b); err != nil {
		return fmt.Errorf("invalid signature on message B: %w", err)
	}
	return nil
}

// pruneExpired removes expired evidence. Caller must hold p.mu.
func (p *Pool) pruneExpired() {
	var valid []*Evidence
	for _, ev := range p.records {
		if p.isExpired(ev) {
			delete(p.keys, evidenceKey(ev))
			continue
		}
		valid = append(valid, ev)
	}
	p.records = valid
}

// pruneOldest removes the n oldest records. Caller must hold p.mu.
func (p *Pool) pruneOldest(n int) {
	sort.SliceStable(p.records, func(i, j int) bool {
		return p.records[i].DetectedAt.Before(p.records[j].DetectedAt)
	})
	for _, ev := range p.records[:n] {
		delete(p.keys, evidenceKey(ev))
	}
	p.records = append([]*Evidence(nil), p.records[n:]...)
}

func (p *Pool) isExpired(ev *Evidence) bool {
	if p.currentTime.IsZero() || p.config.MaxAge <= 0 {
		return false
	}
	return p.currentTime.Sub(ev.DetectedAt) > p.config.MaxAge
}

// evidenceKey identifies evidence by what was observed, not when, so a
// repeated report of the same offence is a duplicate.
func evidenceKey(ev *Evidence) string {
	h := sha256.New()
	for _, m := range ev.Messages {
		h.Write(m.DataHash)
		h.Write(m.Signature)
	}
	if len(ev.Messages) == 0 {
		h.Write([]byte(ev.Details))
	}
	return fmt.Sprintf("%s/%s/%s/%x", ev.Domain, ev.Node, ev.Behavior, h.Sum(nil)[:8])
}
