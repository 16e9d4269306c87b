package collections

import (
	"fmt"

	"github.com/blockberries/bondberry/types"
)

// Collection errors
var (
	ErrInvalidEvidence     = fmt.Errorf("%w: invalid evidence", types.ErrValidation)
	ErrInvalidEmail        = fmt.Errorf("%w: invalid email address", types.ErrValidation)
	ErrInvalidPartner      = fmt.Errorf("%w: invalid partner", types.ErrValidation)
	ErrNotAuthorized       = fmt.Errorf("%w: not authorized", types.ErrValidation)
	ErrRelationshipMissing = fmt.Errorf("%w: relationship not found", types.ErrNotFound)
	ErrInviteExpired       = fmt.Errorf("%w: invite has expired", types.ErrValidation)
	ErrInviteNotPending    = fmt.Errorf("%w: invite is no longer valid", types.ErrValidation)
	ErrRelationshipClosed  = fmt.Errorf("%w: relationship is not active", types.ErrValidation)
)
