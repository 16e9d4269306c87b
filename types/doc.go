// Package types defines the core data structures shared by the bondberry
// consensus, storage and manager packages.
//
// # Core Types
//
// Message: A signed consensus message (propose, prevote, precommit, commit,
// view change or heartbeat) tagged with the sender's view and sequence.
//
// Operation: A mutation travelling through consensus. Its status follows
// Proposed -> Collecting -> Committed | Rejected | TimedOut and it only
// commits once RequiredSignatures endorsements have been collected.
//
// Signature: One node's endorsement of an operation digest.
//
// NodeSet: An ordered set of node identifiers with BFT quorum arithmetic.
// For n nodes the fault tolerance is f = floor((n-1)/3) and a quorum is 2f+1.
//
// # Serialization
//
// All hashed or signed structures are encoded with canonical CBOR
// (RFC 8949 core deterministic encoding), so equal values always produce
// equal bytes on every node.
//
// # Hashing
//
// Hashes are SHA-256. MerkleRoot and VerifyMerkleProof implement a binary
// Merkle tree in which the last node of an odd level is paired with itself.
//
// # Errors
//
// errors.go holds the error taxonomy shared by every package:
// ErrValidation, ErrByzantineRejection, ErrNotFound, ErrIntegrityFailure,
// ErrConsensusFailure and ErrRecoveryExhausted. Package-level errors wrap one
// of these so callers can classify failures with errors.Is or KindOf.
//
// # Usage Example
//
//	leaves := []types.Hash{h1, h2, h3}
//	root, proofs := types.MerkleProofs(leaves)
//	ok := types.VerifyMerkleProof(h3, proofs[2], root, 2)
package types
