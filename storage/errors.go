package storage

import (
	"errors"
	"fmt"

	"github.com/blockberries/bondberry/types"
)

// Storage errors
var (
	ErrEmptyKey      = fmt.Errorf("%w: empty key", types.ErrValidation)
	ErrAlreadyExists = fmt.Errorf("%w: key already exists", types.ErrValidation)
	ErrEntryNotFound = fmt.Errorf("%w: entry not found", types.ErrNotFound)

	ErrHashMismatch     = fmt.Errorf("%w: data hash mismatch", types.ErrIntegrityFailure)
	ErrReplicaSignature = fmt.Errorf("%w: invalid replica signature", types.ErrIntegrityFailure)
	ErrReplicaCopy      = fmt.Errorf("%w: replica copy does not match its hash", types.ErrIntegrityFailure)
	ErrProofInvalid     = fmt.Errorf("%w: integrity proof invalid", types.ErrIntegrityFailure)
	ErrNoMajority       = fmt.Errorf("%w: no majority replica", types.ErrIntegrityFailure)

	ErrNotApplied = fmt.Errorf("%w: committed operation was not applied", types.ErrConsensusFailure)

	ErrBackendClosed = errors.New("storage backend is closed")
)
