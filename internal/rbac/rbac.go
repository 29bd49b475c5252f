package rbac

// Role constants
const (
	RoleBuyer       = "buyer"
	RoleCooperative = "cooperative"
	RoleAdmin       = "admin"
	RoleInspector   = "inspector"
)

// Permission constants
const (
	PermInitEscrow       = "init_escrow"
	PermInitEscrowForAny = "init_escrow_for_any"
	PermCancelEscrow     = "cancel_escrow"
	PermReleaseEscrow    = "release_escrow"
	PermViewAnyEscrow    = "view_any_escrow"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleBuyer: {
		PermInitEscrow, PermCancelEscrow,
	},
	RoleCooperative: {},
	RoleAdmin: {
		PermInitEscrow, PermInitEscrowForAny, PermCancelEscrow,
		PermReleaseEscrow, PermViewAnyEscrow,
	},
	RoleInspector: {
		PermReleaseEscrow, PermViewAnyEscrow,
		// Inspector CANNOT: open or cancel holds
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsKnownRole reports whether role is one of the roles above.
func IsKnownRole(role string) bool {
	_, ok := RolePermissions[role]
	return ok
}

// IsElevated reports whether role acts on escrows it is not a party to.
func IsElevated(role string) bool {
	return HasPermission(role, PermViewAnyEscrow)
}
