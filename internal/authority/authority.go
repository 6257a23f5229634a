package authority

import (
	"errors"

	"tablesync/internal/identity"
	"tablesync/internal/lifecycle"
	"tablesync/internal/protocol"
)

var (
	ErrInsufficientAuthority = errors.New("insufficient authority")
	ErrInvalidPhase          = errors.New("phase does not permit edits")
)

// Validate classifies a proposed action: nil means accept. It is stateless
// and never mutates anything; the room performs the mutation on accept.
// The authority check runs before the phase check, so a non-host issuing a
// host-only action is rejected with ErrInsufficientAuthority in every phase.
func Validate(a protocol.GameAction, sender identity.Identity, phase lifecycle.Phase) error {
	if a.RequiresAuth && sender.Role != identity.RoleHost {
		return ErrInsufficientAuthority
	}
	if !lifecycle.MutablePhase(phase) {
		return ErrInvalidPhase
	}
	return nil
}
