package privval

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blockberries/bondberry/types"
)

// Errors
var (
	ErrDoubleSign       = fmt.Errorf("%w: double sign attempt", types.ErrValidation)
	ErrViewRegression   = fmt.Errorf("%w: view regression", types.ErrValidation)
	ErrSeqRegression    = fmt.Errorf("%w: sequence regression", types.ErrValidation)
	ErrSenderMismatch   = fmt.Errorf("%w: message sender does not match signer", types.ErrValidation)
	ErrUnknownSigner    = fmt.Errorf("%w: unknown signer", types.ErrValidation)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", types.ErrValidation)
	ErrInvalidKey       = errors.New("invalid key material")
)

// Signer holds one node's ed25519 key and signs on its behalf.
type Signer interface {
	// ID returns the node identity the key belongs to
	ID() types.NodeID

	// PublicKey returns the verification key
	PublicKey() ed25519.PublicKey

	// SignMessage fills msg.Sender, msg.Timestamp (if zero) and msg.Signature,
	// refusing to sign two different data hashes at one (view, sequence, type).
	SignMessage(domain string, msg *types.Message) error

	// SignOperation endorses an operation digest
	SignOperation(domain string, digest types.Hash) (types.Signature, error)

	// Sign signs arbitrary attestation bytes (replica records)
	Sign(data []byte) ([]byte, error)
}

// LastSignState tracks the last message signed for one message type
type LastSignState struct {
	View     uint64     `json:"view"`
	Sequence uint64     `json:"sequence"`
	DataHash types.Hash `json:"data_hash,omitempty"`
	Signed   bool       `json:"signed"`
}

// CheckVS checks whether signing dataHash at (view, seq) is allowed.
// Re-signing the identical hash is allowed and reported as same=true.
func (lss *LastSignState) CheckVS(view, seq uint64, dataHash types.Hash) (same bool, err error) {
	if !lss.Signed {
		return false, nil
	}
	if view < lss.View {
		return false, ErrViewRegression
	}
	if view == lss.View {
		if seq < lss.Sequence {
			return false, ErrSeqRegression
		}
		if seq == lss.Sequence {
			if types.HashEqual(lss.DataHash, dataHash) {
				return true, nil
			}
			return false, ErrDoubleSign
		}
	}
	return false, nil
}

// guardedType reports whether t is covered by double-sign protection.
// Heartbeats carry a constant hash and are always allowed.
func guardedType(t types.MessageType) bool {
	return t != types.MessageTypeHeartbeat
}

// signKey scopes double-sign state to one consensus domain and message type.
// Domains advance independently, so they never share a guard.
func signKey(domain string, t types.MessageType) string {
	return domain + "/" + t.String()
}

// signerCore is the key plus double-sign state shared by FilePV and MemoryPV
type signerCore struct {
	mu sync.Mutex

	id      types.NodeID
	pubKey  ed25519.PublicKey
	privKey ed25519.PrivateKey

	// lastSign is keyed by signKey(domain, type)
	lastSign map[string]*LastSignState

	// persist is called with the lock held after the state changes
	persist func() error
}

func (c *signerCore) ID() types.NodeID { return c.id }

func (c *signerCore) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(c.pubKey))
	copy(out, c.pubKey)
	return out
}

func (c *signerCore) SignMessage(domain string, msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Sender == "" {
		msg.Sender = c.id
	}
	if msg.Sender != c.id {
		return ErrSenderMismatch
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}

	var state *LastSignState
	if guardedType(msg.Type) {
		key := signKey(domain, msg.Type)
		state = c.lastSign[key]
		if state == nil {
			state = &LastSignState{}
			c.lastSign[key] = state
		}
		if _, err := state.CheckVS(msg.View, msg.Sequence, msg.DataHash); err != nil {
			return fmt.Errorf("%s at view=%d seq=%d: %w", msg.Type, msg.View, msg.Sequence, err)
		}
	}

	msg.Signature = ed25519.Sign(c.privKey, types.MessageSignBytes(domain, msg))

	if state != nil {
		state.View = msg.View
		state.Sequence = msg.Sequence
		state.DataHash = msg.DataHash.Copy()
		state.Signed = true
		if c.persist != nil {
			return c.persist()
		}
	}
	return nil
}

func (c *signerCore) SignOperation(domain string, digest types.Hash) (types.Signature, error) {
	if types.IsHashEmpty(digest) {
		return types.Signature{}, fmt.Errorf("%w: empty operation digest", types.ErrValidation)
	}
	return types.Signature{
		Signer:    c.id,
		Bytes:     ed25519.Sign(c.privKey, types.OperationSignBytes(domain, digest)),
		Timestamp: time.Now().UnixNano(),
	}, nil
}

func (c *signerCore) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(c.privKey, data), nil
}

// MemoryPV is an in-memory signer. It is used for simulated peers and tests.
type MemoryPV struct {
	signerCore
}

// NewMemoryPV creates a signer with a fresh random key
func NewMemoryPV(id types.NodeID) (*MemoryPV, error) {
	if id.IsEmpty() {
		return nil, fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newMemoryPV(id, pub, priv), nil
}

// NewMemoryPVFromSeed derives the key from sha256(seed), so the same seed
// always yields the same key.
func NewMemoryPVFromSeed(id types.NodeID, seed []byte) *MemoryPV {
	s := sha256.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(s[:])
	return newMemoryPV(id, priv.Public().(ed25519.PublicKey), priv)
}

func newMemoryPV(id types.NodeID, pub ed25519.PublicKey, priv ed25519.PrivateKey) *MemoryPV {
	return &MemoryPV{signerCore: signerCore{
		id:       id,
		pubKey:   pub,
		privKey:  priv,
		lastSign: make(map[string]*LastSignState),
	}}
}

// Ensure implementations satisfy Signer
var (
	_ Signer = (*MemoryPV)(nil)
	_ Signer = (*FilePV)(nil)
)
