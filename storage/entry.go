package storage

import (
	"encoding/binary"
	"time"

	"github.com/blockberries/bondberry/types"
)

// StorageEntry is one key of a collection together with its replicas
type StorageEntry[T any] struct {
	Key            string
	Data           T
	Hash           types.Hash
	Replicas       []Replica
	ConsensusProof types.Hash
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        uint64
}

// Copy returns a copy of the entry. Data is copied by value.
func (e *StorageEntry[T]) Copy() *StorageEntry[T] {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Hash = e.Hash.Copy()
	cp.ConsensusProof = e.ConsensusProof.Copy()
	cp.Replicas = make([]Replica, len(e.Replicas))
	for i, r := range e.Replicas {
		cp.Replicas[i] = r.Copy()
	}
	return &cp
}

// Replica is a signed copy of an entry held by one node
type Replica struct {
	NodeID    types.NodeID `cbor:"1,keyasint"`
	DataHash  types.Hash   `cbor:"2,keyasint"`
	Signature []byte       `cbor:"3,keyasint"`
	Timestamp int64        `cbor:"4,keyasint"`
	Value     []byte       `cbor:"5,keyasint"`
}

// Copy returns a deep copy of the replica
func (r Replica) Copy() Replica {
	return Replica{
		NodeID:    r.NodeID,
		DataHash:  r.DataHash.Copy(),
		Signature: append([]byte(nil), r.Signature...),
		Timestamp: r.Timestamp,
		Value:     append([]byte(nil), r.Value...),
	}
}

// IntegrityProof seals an entry: the data hash is a leaf of a Merkle tree
// over the entry's replica attestations, and the committing operation's
// endorsements are carried along.
type IntegrityProof struct {
	DataHash            types.Hash        `cbor:"1,keyasint"`
	MerkleRoot          types.Hash        `cbor:"2,keyasint"`
	MerkleProof         []types.Hash      `cbor:"3,keyasint"`
	LeafIndex           int               `cbor:"4,keyasint"`
	OperationDigest     types.Hash        `cbor:"5,keyasint"`
	ConsensusSignatures []types.Signature `cbor:"6,keyasint"`
	Timestamp           int64             `cbor:"7,keyasint"`
}

// Copy returns a deep copy of the proof
func (p *IntegrityProof) Copy() *IntegrityProof {
	if p == nil {
		return nil
	}
	cp := *p
	cp.DataHash = p.DataHash.Copy()
	cp.MerkleRoot = p.MerkleRoot.Copy()
	cp.OperationDigest = p.OperationDigest.Copy()
	cp.MerkleProof = make([]types.Hash, len(p.MerkleProof))
	for i, h := range p.MerkleProof {
		cp.MerkleProof[i] = h.Copy()
	}
	cp.ConsensusSignatures = make([]types.Signature, len(p.ConsensusSignatures))
	for i, s := range p.ConsensusSignatures {
		cp.ConsensusSignatures[i] = types.Signature{
			Signer:    s.Signer,
			Bytes:     append([]byte(nil), s.Bytes...),
			Timestamp: s.Timestamp,
		}
	}
	return &cp
}

// ReplicaSignBytes returns the bytes a holder signs for its copy:
//
//	collection '/' key '/' version(8 bytes BE) timestamp(8 bytes BE) hash
func ReplicaSignBytes(collection, key string, version uint64, hash types.Hash, ts int64) []byte {
	out := make([]byte, 0, len(collection)+len(key)+2+16+len(hash))
	out = append(out, collection...)
	out = append(out, '/')
	out = append(out, key...)
	out = append(out, '/')
	out = binary.BigEndian.AppendUint64(out, version)
	out = binary.BigEndian.AppendUint64(out, uint64(ts))
	out = append(out, hash...)
	return out
}

// record is the backend encoding of an entry. Data stays in its canonical
// encoding so it can be hashed without a decode round trip.
type record struct {
	Key            string          `cbor:"1,keyasint"`
	Data           []byte          `cbor:"2,keyasint"`
	Hash           types.Hash      `cbor:"3,keyasint"`
	Replicas       []Replica       `cbor:"4,keyasint,omitempty"`
	ConsensusProof types.Hash      `cbor:"5,keyasint,omitempty"`
	CreatedAt      int64           `cbor:"6,keyasint"`
	UpdatedAt      int64           `cbor:"7,keyasint"`
	Version        uint64          `cbor:"8,keyasint"`
	Proof          *IntegrityProof `cbor:"9,keyasint,omitempty"`
}

func encodeRecord[T any](e *StorageEntry[T], proof *IntegrityProof) ([]byte, error) {
	data, err := types.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return types.Marshal(&record{
		Key:            e.Key,
		Data:           data,
		Hash:           e.Hash,
		Replicas:       e.Replicas,
		ConsensusProof: e.ConsensusProof,
		CreatedAt:      e.CreatedAt.UnixNano(),
		UpdatedAt:      e.UpdatedAt.UnixNano(),
		Version:        e.Version,
		Proof:          proof,
	})
}

func decodeRecord[T any](raw []byte) (*StorageEntry[T], *IntegrityProof, error) {
	var rec record
	if err := types.Unmarshal(raw, &rec); err != nil {
		return nil, nil, err
	}
	e := &StorageEntry[T]{
		Key:            rec.Key,
		Hash:           rec.Hash,
		Replicas:       rec.Replicas,
		ConsensusProof: rec.ConsensusProof,
		CreatedAt:      time.Unix(0, rec.CreatedAt),
		UpdatedAt:      time.Unix(0, rec.UpdatedAt),
		Version:        rec.Version,
	}
	if err := types.Unmarshal(rec.Data, &e.Data); err != nil {
		return nil, nil, err
	}
	return e, rec.Proof, nil
}
