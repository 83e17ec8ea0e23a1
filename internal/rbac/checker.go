// Package rbac evaluates coarse role capabilities for workflow actions and
// extracts the calling actor from gateway headers.
package rbac

import "github.com/odyssey-erp/fulfillment/internal/shared"

// RoleChecker answers capability questions from the actor's role and
// assigned locations. Operators work only at their own locations,
// supervisors approve at their own locations and admins are unrestricted.
type RoleChecker struct{}

// NewRoleChecker constructs a RoleChecker.
func NewRoleChecker() RoleChecker {
	return RoleChecker{}
}

// CanApprovePRF reports whether actor may approve or reject requisitions.
func (RoleChecker) CanApprovePRF(actor shared.Actor) bool {
	return actor.IsApprover()
}

// CanCreatePO reports whether actor may raise purchase orders.
func (RoleChecker) CanCreatePO(actor shared.Actor) bool {
	return actor.IsApprover()
}

// CanClosePO reports whether actor may close purchase orders manually.
func (RoleChecker) CanClosePO(actor shared.Actor) bool {
	return actor.IsApprover()
}

// CanPostDeliveries reports whether actor may record and post deliveries at
// locationID.
func (RoleChecker) CanPostDeliveries(actor shared.Actor, locationID int64) bool {
	switch actor.Role {
	case shared.RoleAdmin:
		return true
	case shared.RoleOperator, shared.RoleSupervisor:
		return actor.HasLocation(locationID)
	}
	return false
}

// CanApproveOverDelivery reports whether actor may approve or reject
// over-delivered quantities.
func (RoleChecker) CanApproveOverDelivery(actor shared.Actor) bool {
	return actor.IsApprover()
}

// CanManageNCR reports whether actor may move NCRs through their
// resolution lifecycle.
func (RoleChecker) CanManageNCR(actor shared.Actor) bool {
	return actor.IsApprover()
}
