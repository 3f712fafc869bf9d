package auth

import (
	"fmt"
	"strings"

	"gigline/internal/apperr"
	"gigline/internal/domain"
)

// Actor is the authenticated caller as seen by the engine.
type Actor struct {
	ID   string
	Role string
}

func (a Actor) Is(role string) bool { return a.Role == role }

// ValidRole reports whether role is one the platform issues.
func ValidRole(role string) bool {
	switch role {
	case domain.RoleFreelancer, domain.RoleHiring, domain.RoleAdmin:
		return true
	}
	return false
}

// Require fails unless the actor is identified and holds one of roles.
func Require(a Actor, roles ...string) error {
	if strings.TrimSpace(a.ID) == "" {
		return apperr.New(apperr.KindUnauthorized, "unauthorized", "caller identity required")
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return apperr.Forbidden(fmt.Sprintf("role %s required", strings.Join(roles, " or ")))
}
