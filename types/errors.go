package types

import "errors"

// Error kinds. Every error returned by the engine, storage and manager
// packages wraps exactly one of these, so callers can branch with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrByzantineRejection = errors.New("byzantine rejection")
	ErrNotFound           = errors.New("not found")
	ErrIntegrityFailure   = errors.New("integrity failure")
	ErrConsensusFailure   = errors.New("consensus failure")
	ErrRecoveryExhausted  = errors.New("recovery exhausted")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrByzantineRejection, "ByzantineRejection"},
	{ErrNotFound, "NotFound"},
	{ErrIntegrityFailure, "IntegrityFailure"},
	{ErrConsensusFailure, "ConsensusFailure"},
	{ErrRecoveryExhausted, "RecoveryExhausted"},
}

// KindOf returns the taxonomy name of err, or "" if err is nil or
// does not wrap a known kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}
