package privval

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/blockberries/bondberry/types"
)

// RegistryConfig configures signature verification caching
type RegistryConfig struct {
	EnableCache bool
	CacheSize   int
	CacheTTL    time.Duration
}

// DefaultRegistryConfig returns default registry configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		EnableCache: true,
		CacheSize:   10000,
		CacheTTL:    5 * time.Minute,
	}
}

// Registry maps node identities to ed25519 public keys and verifies
// signatures against them. Successful verifications are cached.
type Registry struct {
	mu   sync.RWMutex
	keys map[types.NodeID]ed25519.PublicKey

	verifyCache *expirable.LRU[string, bool]
}

// NewRegistry creates an empty registry
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{keys: make(map[types.NodeID]ed25519.PublicKey)}
	if config.EnableCache && config.CacheSize > 0 {
		r.verifyCache = expirable.NewLRU[string, bool](config.CacheSize, nil, config.CacheTTL)
	}
	return r
}

// Register binds id to pubKey. Re-registering the same key is a no-op;
// binding a different key to a known id is refused.
func (r *Registry) Register(id types.NodeID, pubKey ed25519.PublicKey) error {
	if id.IsEmpty() {
		return fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d",
			types.ErrValidation, ed25519.PublicKeySize, len(pubKey))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.keys[id]; ok {
		if existing.Equal(pubKey) {
			return nil
		}
		return fmt.Errorf("%w: node %s already registered with a different key", types.ErrValidation, id)
	}
	key := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(key, pubKey)
	r.keys[id] = key
	return nil
}

// RegisterSigner registers the public key of s under s.ID()
func (r *Registry) RegisterSigner(s Signer) error {
	return r.Register(s.ID(), s.PublicKey())
}

// PublicKey returns the key registered for id
func (r *Registry) PublicKey(id types.NodeID) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// Has reports whether id is registered
func (r *Registry) Has(id types.NodeID) bool {
	_, ok := r.PublicKey(id)
	return ok
}

// Nodes returns every registered identity in lexical order
func (r *Registry) Nodes() []types.NodeID {
	r.mu.RLock()
	ids := make([]types.NodeID, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return types.NewNodeSet(ids...).Sorted()
}

// Verify checks sig over data against the key registered for id.
func (r *Registry) Verify(id types.NodeID, data, sig []byte) error {
	pubKey, ok := r.PublicKey(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, id)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(sig))
	}

	var cacheKey string
	if r.verifyCache != nil {
		cacheKey = verifyCacheKey(pubKey, data, sig)
		if valid, ok := r.verifyCache.Get(cacheKey); ok && valid {
			return nil
		}
	}

	if !ed25519.Verify(pubKey, data, sig) {
		return fmt.Errorf("%w: from %s", ErrInvalidSignature, id)
	}

	if r.verifyCache != nil {
		r.verifyCache.Add(cacheKey, true)
	}
	return nil
}

// VerifyMessage verifies msg.Signature over the message sign bytes
func (r *Registry) VerifyMessage(domain string, msg *types.Message) error {
	return r.Verify(msg.Sender, types.MessageSignBytes(domain, msg), msg.Signature)
}

// VerifyOperationSignature verifies an endorsement of an operation digest
func (r *Registry) VerifyOperationSignature(domain string, digest types.Hash, sig types.Signature) error {
	return r.Verify(sig.Signer, types.OperationSignBytes(domain, digest), sig.Bytes)
}

func verifyCacheKey(pubKey ed25519.PublicKey, data, sig []byte) string {
	h := sha256.New()
	h.Write(pubKey)
	h.Write(data)
	h.Write(sig)
	return hex.EncodeToString(h.Sum(nil))
}
