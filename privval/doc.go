// Package privval holds node signing keys and the identity -> public key
// registry used to authenticate consensus traffic.
//
// # Signer
//
// A Signer owns one node's ed25519 private key. It signs consensus messages,
// operation endorsements and replica attestations:
//
//	type Signer interface {
//	    ID() types.NodeID
//	    PublicKey() ed25519.PublicKey
//	    SignMessage(domain string, msg *types.Message) error
//	    SignOperation(domain string, digest types.Hash) (types.Signature, error)
//	    Sign(data []byte) ([]byte, error)
//	}
//
// # Double-Sign Prevention
//
// Two different data hashes at the same (view, sequence, type) is exactly
// what peers treat as equivocation, so a Signer refuses to produce one.
// LastSignState records the last signed (view, sequence, hash) per domain
// and message type and rejects:
//
//  1. a different hash at the same view and sequence
//  2. a lower view, or a lower sequence within the same view
//
// Heartbeats are exempt because their hash is constant per sender.
//
// # Implementations
//
// FilePV persists the key and the sign state to two JSON files written with
// write-then-rename. MemoryPV keeps both in memory and backs simulated
// peers and tests.
//
// # Registry
//
// Registry maps node identities to public keys. Engines and stores verify
// every message signature, operation endorsement and replica attestation
// through it. Successful verifications are cached in an expiring LRU keyed
// by sha256(pubkey || data || signature).
package privval
