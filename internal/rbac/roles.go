package rbac

// Role names. Keep these stable; they are part of the token contract.
const (
	RoleOwner           = "owner"
	RoleDesigner        = "designer"
	RoleAgent           = "agent"
	RoleAnalyst         = "analyst"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

// Permission is one class of API action.
type Permission string

const (
	// PermView reads workflows, versions, reports and simulations.
	PermView Permission = "view"
	// PermEdit creates workflows and mutates drafts.
	PermEdit Permission = "edit"
	// PermDeploy promotes drafts and changes workflow status.
	PermDeploy Permission = "deploy"
	// PermDial starts outbound calls.
	PermDial Permission = "dial"
)

var grants = map[string][]Permission{
	RoleOwner:    {PermView, PermEdit, PermDeploy, PermDial},
	RoleDesigner: {PermView, PermEdit},
	RoleAgent:    {PermView, PermDial},
	RoleAnalyst:  {PermView},
	// network_operator only inspects; it never changes a tenant's flows.
	RoleNetworkOperator: {PermView},
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// Can reports whether role holds p. super_admin holds everything.
func Can(role string, p Permission) bool {
	if IsSuperAdmin(role) {
		return true
	}
	for _, g := range grants[role] {
		if g == p {
			return true
		}
	}
	return false
}
