package schema

import "strings"

// Role is one of the fixed set of cooperating worker identities.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleAnalyst   Role = "analyst"
	RoleDeveloper Role = "developer"
	RoleTester    Role = "tester"
	RoleQA        Role = "qa"
	RoleSecurity  Role = "security"
	RoleEngineer  Role = "engineer"
	RoleMarketer  Role = "marketer"
)

// AllRoles returns every role in pipeline order.
func AllRoles() []Role {
	return []Role{
		RolePlanner,
		RoleAnalyst,
		RoleDeveloper,
		RoleTester,
		RoleQA,
		RoleSecurity,
		RoleEngineer,
		RoleMarketer,
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Stage() >= 0
}

// Stage returns the role's position in the delivery pipeline, or -1 for an
// unknown role. qa and security share a stage because they run side by side.
func (r Role) Stage() int {
	switch r {
	case RolePlanner:
		return 0
	case RoleAnalyst:
		return 1
	case RoleDeveloper:
		return 2
	case RoleTester:
		return 3
	case RoleQA, RoleSecurity:
		return 4
	case RoleEngineer:
		return 5
	case RoleMarketer:
		return 6
	default:
		return -1
	}
}

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown role %q", s)
	}
	return r, nil
}
