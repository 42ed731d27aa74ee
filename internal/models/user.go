package models

// UserRole controls access to administrative scheduler operations.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the identity record consulted for authorization and the admin
// dequeue tie-break.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        UserRole `json:"role"`
}

// IsAdmin reports whether the user may perform admin-only operations.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
