package rbac

// Role constants
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// Permission constants
const (
	PermCreateEscrow  = "create_escrow"
	PermFundEscrow    = "fund_escrow"
	PermReleaseEscrow = "release_escrow"
	PermRefundEscrow  = "refund_escrow"
	PermViewEscrow    = "view_escrow"
)

// RolePermissions defines what each role can do. Sellers are read-only:
// every funds-moving operation belongs to the buyer.
var RolePermissions = map[string][]string{
	RoleBuyer: {
		PermCreateEscrow, PermFundEscrow, PermReleaseEscrow, PermRefundEscrow,
		PermViewEscrow,
	},
	RoleSeller: {
		PermViewEscrow,
	},
}

// IsValidRole reports whether role is one the service recognises.
func IsValidRole(role string) bool {
	_, ok := RolePermissions[role]
	return ok
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
