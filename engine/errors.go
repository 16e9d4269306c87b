package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/bondberry/types"
)

// Consensus errors
var (
	ErrSlotBusy         = fmt.Errorf("%w: operation already in flight", types.ErrValidation)
	ErrRateLimited      = fmt.Errorf("%w: proposal rate limit reached", ErrSlotBusy)
	ErrUnknownOperation = fmt.Errorf("%w: unknown operation", types.ErrNotFound)
	ErrUnknownSender    = fmt.Errorf("%w: unknown sender", types.ErrValidation)
	ErrInvalidMessage   = fmt.Errorf("%w: invalid consensus message", types.ErrValidation)
	ErrStaleCheckpoint  = fmt.Errorf("%w: checkpoint is behind local state", types.ErrValidation)
	ErrNodeByzantine    = fmt.Errorf("%w: node is flagged byzantine", types.ErrByzantineRejection)
	ErrTimedOut         = fmt.Errorf("%w: operation timed out", types.ErrConsensusFailure)
	ErrRejected         = fmt.Errorf("%w: operation rejected", types.ErrConsensusFailure)
	ErrAlreadyStarted   = errors.New("consensus already started")
	ErrNotStarted       = errors.New("consensus not started")
	ErrWALWrite         = errors.New("WAL write failed")
	ErrWALReplay        = errors.New("WAL replay failed")
)
