package manager

import (
	"fmt"

	"github.com/blockberries/bondberry/types"
)

// Manager errors
var (
	ErrRecoveryExhausted = fmt.Errorf("%w: max recovery attempts reached", types.ErrRecoveryExhausted)
	ErrNotQueued         = fmt.Errorf("%w: entry is not queued for recovery", types.ErrNotFound)
	ErrUnknownCollection = fmt.Errorf("%w: unknown collection", types.ErrNotFound)
	ErrSelfReport        = fmt.Errorf("%w: a node cannot report itself", types.ErrValidation)
	ErrEmptySuspect      = fmt.Errorf("%w: empty suspect", types.ErrValidation)
)
