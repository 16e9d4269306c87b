package storage

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/blockberries/bondberry/types"
)

// entryLeaves returns the Merkle leaves of e: the data hash first, then one
// attestation leaf per replica.
func entryLeaves[T any](collection string, e *StorageEntry[T]) []types.Hash {
	leaves := make([]types.Hash, 0, 1+len(e.Replicas))
	leaves = append(leaves, e.Hash.Copy())
	for _, r := range e.Replicas {
		leaf := ReplicaSignBytes(collection, e.Key, e.Version, r.DataHash, r.Timestamp)
		leaf = append(leaf, r.NodeID...)
		leaf = append(leaf, r.Signature...)
		leaves = append(leaves, types.HashBytes(leaf))
	}
	return leaves
}

func (s *Store[T]) buildProof(e *StorageEntry[T], digest types.Hash, sigs []types.Signature) *IntegrityProof {
	root, proofs := types.MerkleProofs(entryLeaves(s.config.Collection, e))
	proof := &IntegrityProof{
		DataHash:        e.Hash.Copy(),
		MerkleRoot:      root,
		MerkleProof:     proofs[0],
		LeafIndex:       0,
		OperationDigest: digest.Copy(),
		Timestamp:       time.Now().UnixNano(),
	}
	for _, sig := range sigs {
		proof.ConsensusSignatures = append(proof.ConsensusSignatures, types.Signature{
			Signer:    sig.Signer,
			Bytes:     append([]byte(nil), sig.Bytes...),
			Timestamp: sig.Timestamp,
		})
	}
	return proof
}

// verifyEntryLocked checks the data hash, every replica and the proof if
// one exists. Returns the canonical encoding of the data. Caller holds mu.
func (s *Store[T]) verifyEntryLocked(e *StorageEntry[T], proof *IntegrityProof) ([]byte, error) {
	hash, raw, err := types.HashValue(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	if !types.HashEqual(hash, e.Hash) {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrHashMismatch, e.Hash.Short(), hash.Short())
	}

	for _, r := range e.Replicas {
		if err := s.verifyReplica(e, r); err != nil {
			return nil, err
		}
	}

	if proof != nil {
		if err := s.verifyProof(e, proof); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func (s *Store[T]) verifyReplica(e *StorageEntry[T], r Replica) error {
	signBytes := ReplicaSignBytes(s.config.Collection, e.Key, e.Version, r.DataHash, r.Timestamp)
	if err := s.registry.Verify(r.NodeID, signBytes, r.Signature); err != nil {
		return fmt.Errorf("%w: holder %s: %v", ErrReplicaSignature, r.NodeID, err)
	}
	if !types.HashEqual(types.HashBytes(r.Value), r.DataHash) {
		return fmt.Errorf("%w: holder %s", ErrReplicaCopy, r.NodeID)
	}
	return nil
}

func (s *Store[T]) verifyProof(e *StorageEntry[T], proof *IntegrityProof) error {
	if !types.HashEqual(proof.DataHash, e.Hash) {
		return fmt.Errorf("%w: proof covers %s", ErrProofInvalid, proof.DataHash.Short())
	}
	if !types.VerifyMerkleProof(proof.DataHash, proof.MerkleProof, proof.MerkleRoot, proof.LeafIndex) {
		return fmt.Errorf("%w: merkle path", ErrProofInvalid)
	}
	if root := types.MerkleRoot(entryLeaves(s.config.Collection, e)); !types.HashEqual(root, proof.MerkleRoot) {
		return fmt.Errorf("%w: replica set does not match root", ErrProofInvalid)
	}
	if len(proof.ConsensusSignatures) == 0 {
		return fmt.Errorf("%w: no consensus signatures", ErrProofInvalid)
	}
	domain := s.consensus.Domain()
	for _, sig := range proof.ConsensusSignatures {
		if err := s.registry.VerifyOperationSignature(domain, proof.OperationDigest, sig); err != nil {
			return fmt.Errorf("%w: endorsement by %s: %v", ErrProofInvalid, sig.Signer, err)
		}
	}
	return nil
}

// majorityHash returns the most common replica hash and how many replicas
// carry it. Ties go to the lexicographically smallest hash.
func majorityHash(replicas []Replica) (types.Hash, int) {
	counts := make(map[string]int, len(replicas))
	for _, r := range replicas {
		counts[string(r.DataHash)]++
	}
	var best string
	bestCount := 0
	for h, n := range counts {
		if n > bestCount || (n == bestCount && h < best) {
			best, bestCount = h, n
		}
	}
	if bestCount == 0 {
		return nil, 0
	}
	return types.Hash(best), bestCount
}

// minorityHolders returns the holders whose replica hash differs from the
// majority hash
func minorityHolders(replicas []Replica) []types.NodeID {
	majority, _ := majorityHash(replicas)
	var out []types.NodeID
	for _, r := range replicas {
		if !bytes.Equal(r.DataHash, majority) {
			out = append(out, r.NodeID)
		}
	}
	return out
}

// VerifyAllIntegrity verifies every entry. Failing keys are listed as both
// corrupted and needing recovery; holders whose replica disagrees with the
// majority are reported as Byzantine.
func (s *Store[T]) VerifyAllIntegrity() IntegrityReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := IntegrityReport{
		CorruptedEntries: []string{},
		RecoveryNeeded:   []string{},
		ByzantineNodes:   []types.NodeID{},
	}
	byzantine := types.NewNodeSet()
	for _, key := range keys {
		e := s.entries[key]
		report.TotalChecked++
		if _, err := s.verifyEntryLocked(e, s.proofs[key]); err != nil {
			report.IntegrityFailed++
			report.CorruptedEntries = append(report.CorruptedEntries, key)
			report.RecoveryNeeded = append(report.RecoveryNeeded, key)
			s.logger.Warn("entry failed verification", zap.String("key", key), zap.Error(err))
		} else {
			report.IntegrityPassed++
		}
		for _, id := range minorityHolders(e.Replicas) {
			byzantine.Add(id)
		}
	}
	report.ByzantineNodes = byzantine.Sorted()

	s.stats.IntegrityFailures += uint64(report.IntegrityFailed)
	s.stats.ByzantineDetections += uint64(len(report.ByzantineNodes))
	for i := 0; i < report.IntegrityFailed; i++ {
		s.metrics.ObserveIntegrityFailure(s.config.Collection)
	}
	return report
}

// RecoverCorruptedData restores key from the majority of its replicas. An
// entry that already matches the majority and verifies is left as is.
// Otherwise the value is taken from a majority replica whose signature and
// copy verify, the version is bumped, and the entry is re-replicated and
// resealed.
func (s *Store[T]) RecoverCorruptedData(key string) error {
	err := s.recover(key)
	s.metrics.ObserveRecovery(s.config.Collection, err)
	return err
}

func (s *Store[T]) recover(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
	}
	proof := s.proofs[key]

	// Only replicas that verify on their own may vote
	usable := make([]Replica, 0, len(e.Replicas))
	for _, r := range e.Replicas {
		if s.verifyReplica(e, r) == nil {
			usable = append(usable, r)
		}
	}
	majority, count := majorityHash(usable)
	if count == 0 || count*2 <= len(usable) {
		return fmt.Errorf("%w: %s: %d usable replicas", ErrNoMajority, key, len(usable))
	}

	if types.HashEqual(e.Hash, majority) {
		if _, err := s.verifyEntryLocked(e, proof); err == nil {
			return nil
		}
	}

	var source *Replica
	for i := range usable {
		if types.HashEqual(usable[i].DataHash, majority) {
			source = &usable[i]
			break
		}
	}
	value, err := s.decodeValue(source.Value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNoMajority, key, err)
	}
	hash, raw, err := types.HashValue(value)
	if err != nil || !types.HashEqual(hash, majority) {
		return fmt.Errorf("%w: %s: majority copy does not re-encode", ErrNoMajority, key)
	}

	restored := e.Copy()
	restored.Data = value
	restored.Hash = hash
	restored.UpdatedAt = time.Now()
	restored.Version++

	var digest types.Hash
	var sigs []types.Signature
	if proof != nil {
		digest, sigs = proof.OperationDigest, proof.ConsensusSignatures
	}
	if err := s.sealLocked(restored, raw, digest, sigs); err != nil {
		return err
	}
	s.stats.RecoveryOperations++

	s.logger.Info("recovered entry from replicas",
		zap.String("key", key),
		zap.String("hash", hash.Short()),
		zap.Int("agreeing", count),
		zap.Uint64("version", restored.Version))
	return nil
}
