package types

import (
	"errors"
	"fmt"
)

// OperationStatus is the state of an operation in the consensus state machine
type OperationStatus uint8

const (
	OperationProposed OperationStatus = iota
	OperationCollecting
	OperationCommitted
	OperationRejected
	OperationTimedOut
)

// String implements fmt.Stringer
func (s OperationStatus) String() string {
	switch s {
	case OperationProposed:
		return "proposed"
	case OperationCollecting:
		return "collecting"
	case OperationCommitted:
		return "committed"
	case OperationRejected:
		return "rejected"
	case OperationTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCommitted || s == OperationRejected || s == OperationTimedOut
}

// Errors
var (
	ErrInvalidTransition  = errors.New("invalid operation status transition")
	ErrInsufficientQuorum = fmt.Errorf("%w: insufficient signatures for commit", ErrConsensusFailure)
)

// Signature is one node's signature over an operation digest
type Signature struct {
	Signer    NodeID `cbor:"1,keyasint"`
	Bytes     []byte `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
}

// Operation is a mutation travelling through consensus.
type Operation struct {
	ID                  string          `cbor:"1,keyasint"`
	Type                string          `cbor:"2,keyasint"`
	Initiator           NodeID          `cbor:"3,keyasint"`
	Timestamp           int64           `cbor:"4,keyasint"`
	Data                []byte          `cbor:"5,keyasint,omitempty"`
	RequiredSignatures  int             `cbor:"6,keyasint"`
	CollectedSignatures []Signature     `cbor:"7,keyasint,omitempty"`
	Status              OperationStatus `cbor:"8,keyasint"`
}

type operationDigest struct {
	ID        string `cbor:"1,keyasint"`
	Type      string `cbor:"2,keyasint"`
	Initiator NodeID `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"`
	Data      []byte `cbor:"5,keyasint,omitempty"`
}

// Digest hashes the immutable fields of the operation. Signatures and
// status are excluded so every node computes the same digest.
func (op *Operation) Digest() Hash {
	data, err := Marshal(&operationDigest{
		ID:        op.ID,
		Type:      op.Type,
		Initiator: op.Initiator,
		Timestamp: op.Timestamp,
		Data:      op.Data,
	})
	if err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to marshal operation digest: %v", err))
	}
	return HashBytes(data)
}

// OperationSignBytes returns the bytes a node signs to endorse an operation
func OperationSignBytes(domain string, digest Hash) []byte {
	out := make([]byte, 0, len(domain)+1+len(digest))
	out = append(out, domain...)
	out = append(out, '/')
	out = append(out, digest...)
	return out
}

// ValidateBasic checks the fields a proposer must set
func (op *Operation) ValidateBasic() error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrValidation)
	}
	if op.ID == "" {
		return fmt.Errorf("%w: empty operation id", ErrValidation)
	}
	if op.Type == "" {
		return fmt.Errorf("%w: empty operation type", ErrValidation)
	}
	if op.Initiator.IsEmpty() {
		return fmt.Errorf("%w: empty initiator", ErrValidation)
	}
	if op.RequiredSignatures < 1 {
		return fmt.Errorf("%w: required signatures must be positive", ErrValidation)
	}
	return nil
}

// HasSignatureFrom reports whether signer already endorsed the operation
func (op *Operation) HasSignatureFrom(signer NodeID) bool {
	for _, s := range op.CollectedSignatures {
		if s.Signer == signer {
			return true
		}
	}
	return false
}

// AddSignature appends sig unless its signer already signed.
// Returns false for duplicates.
func (op *Operation) AddSignature(sig Signature) bool {
	if op.HasSignatureFrom(sig.Signer) {
		return false
	}
	op.CollectedSignatures = append(op.CollectedSignatures, sig)
	return true
}

// HasQuorum reports whether enough signatures were collected to commit
func (op *Operation) HasQuorum() bool {
	return len(op.CollectedSignatures) >= op.RequiredSignatures
}

// Transition moves the operation to next, enforcing
// Proposed -> Collecting -> Committed | Rejected | TimedOut.
func (op *Operation) Transition(next OperationStatus) error {
	if op.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, op.Status)
	}
	switch next {
	case OperationCollecting:
		if op.Status != OperationProposed && op.Status != OperationCollecting {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
		}
	case OperationCommitted:
		if op.Status != OperationCollecting {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
		}
		if !op.HasQuorum() {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientQuorum,
				len(op.CollectedSignatures), op.RequiredSignatures)
		}
	case OperationRejected, OperationTimedOut:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.Status, next)
	}
	op.Status = next
	return nil
}

// Copy returns a deep copy of the operation
func (op *Operation) Copy() *Operation {
	if op == nil {
		return nil
	}
	c := *op
	if op.Data != nil {
		c.Data = append([]byte(nil), op.Data...)
	}
	if op.CollectedSignatures != nil {
		c.CollectedSignatures = make([]Signature, len(op.CollectedSignatures))
		for i, s := range op.CollectedSignatures {
			c.CollectedSignatures[i] = Signature{
				Signer:    s.Signer,
				Bytes:     append([]byte(nil), s.Bytes...),
				Timestamp: s.Timestamp,
			}
		}
	}
	return &c
}
