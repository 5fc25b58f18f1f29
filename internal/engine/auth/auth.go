// Package auth provides role-appropriateness checks. The identity source
// is external and trusted; this package only decides whether a supplied
// role may perform an action, based on tenant config allowlists.
package auth

import "fmt"

// RoleSystem is the internal actor role used by the scheduler; it
// bypasses tenant allowlists.
const RoleSystem = "system"

// ForbiddenRoleError indicates the supplied role may not perform the
// action.
type ForbiddenRoleError struct {
	Action string
	Role   string
}

func (e ForbiddenRoleError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Action)
}

// RequireRole checks role against the allowlist for action. The system
// role always passes.
func RequireRole(allowed []string, action, role string) error {
	if role == RoleSystem {
		return nil
	}
	for _, r := range allowed {
		if r == role {
			return nil
		}
	}
	return ForbiddenRoleError{Action: action, Role: role}
}
