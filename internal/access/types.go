package access

import "time"

// Scope is the breadth at which a permission applies.
type Scope string

const (
	// ScopeGlobal grants the action everywhere.
	ScopeGlobal Scope = "global"
	// ScopeOrganization grants the action on any resource inside the
	// caller's organization. The engine trusts the caller to have already
	// scoped the query to that organization.
	ScopeOrganization Scope = "organization"
	// ScopeOwn grants the action only on resources owned by the caller.
	ScopeOwn Scope = "own"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganization, ScopeOwn:
		return true
	}
	return false
}

// Permission is a fine-grained capability over a (resource, action) pair.
// The (resource, action, scope) combination is the authorization unit;
// inactive permissions never grant access.
type Permission struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Scope       Scope     `json:"scope"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role groups permissions. System roles are immutable and undeletable.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRole links a user to a role. Assignments are an audit trail: rows
// are only ever added or removed, never overwritten.
type UserRole struct {
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// UserRef is the slice of the user directory the access core needs.
type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// UserWithRoles is the resolved view of a user for audit and display.
type UserWithRoles struct {
	UserID      string       `json:"user_id"`
	User        *UserRef     `json:"user,omitempty"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

// PermissionUpdate carries optional field changes for a permission.
type PermissionUpdate struct {
	Description *string
	IsActive    *bool
}

// RoleUpdate carries optional field changes for a role.
type RoleUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}
