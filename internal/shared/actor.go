package shared

import (
	"fmt"
	"slices"
)

// Role is the coarse role assigned to an actor by the identity provider.
type Role string

const (
	RoleOperator   Role = "OPERATOR"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOperator, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

// Actor identifies who performs an operation. It is passed explicitly into
// every state-changing call.
type Actor struct {
	ID          int64
	Name        string
	Role        Role
	LocationIDs []int64
}

// IsApprover reports whether the actor holds a supervisor or admin role.
func (a Actor) IsApprover() bool {
	return a.Role == RoleSupervisor || a.Role == RoleAdmin
}

// HasLocation reports whether the actor is assigned to locationID.
func (a Actor) HasLocation(locationID int64) bool {
	return slices.Contains(a.LocationIDs, locationID)
}

// Label renders the actor for notes and audit trails.
func (a Actor) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("user#%d", a.ID)
}
