// Package access holds the authorization rules for order-scoped operations.
package access

import "errors"

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleArtisan  Role = "ARTISAN"
)

// ErrNotParticipant means the principal is neither the order's customer nor
// its assigned artisan. Callers surface it the same way as a missing order so
// that order existence is never leaked to outsiders.
var ErrNotParticipant = errors.New("not an order participant")

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCustomer, RoleArtisan:
		return Role(role)
	default:
		return ""
	}
}

func ValidRole(role string) bool {
	return Normalize(role) != ""
}

// Participant reports whether principalID is one of the order's two parties.
func Participant(principalID, customerID, artisanID string) bool {
	if principalID == "" {
		return false
	}
	return principalID == customerID || principalID == artisanID
}

// Authorize is the single predicate every order-scoped operation runs before
// acting. It is pure: the caller supplies the order's participant ids and
// must re-load the order on every request.
func Authorize(principalID, customerID, artisanID string) error {
	if !Participant(principalID, customerID, artisanID) {
		return ErrNotParticipant
	}
	return nil
}
