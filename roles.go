package authclient

// UserRole is the user's role
type UserRole string

const (
	// RoleAdmin manages the catalogue through the admin API
	RoleAdmin UserRole = "admin"
	// RoleClient is a customer using the booking API
	RoleClient UserRole = "client"
)

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	switch r {
	case RoleAdmin, RoleClient:
		return true
	default:
		return false
	}
}

func (r UserRole) String() string {
	return string(r)
}

// GetAllRoles returns all predefined roles
func GetAllRoles() []UserRole {
	return []UserRole{
		RoleAdmin,
		RoleClient,
	}
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(roleStr)
	return role, role.IsValid()
}

// RoleIn reports whether role is part of allowed. An empty allowed list
// accepts any valid role.
func RoleIn(role UserRole, allowed []UserRole) bool {
	if len(allowed) == 0 {
		return role.IsValid()
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
