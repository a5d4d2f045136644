package domain

// Role distinguishes ordinary users from administrators.
type Role int

const (
	RoleUser Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "ADMIN"
	}
	return "USER"
}

// User has a stable identifier, an opaque API key, an active flag, and
// a role.
type User struct {
	ID       string
	Name     string
	APIKey   string
	Role     Role
	IsActive bool
}
