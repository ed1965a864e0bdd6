package access

import "context"

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	Create(ctx context.Context, p *Permission) error
	Find(ctx context.Context, id string) (Permission, error)
	List(ctx context.Context) ([]Permission, error)
	Update(ctx context.Context, id string, upd PermissionUpdate) (Permission, error)
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and both association edges.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (Role, error)
	List(ctx context.Context) ([]Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (Role, error)
	Delete(ctx context.Context, id string) error

	AddPermission(ctx context.Context, roleID, permissionID string) error
	RemovePermission(ctx context.Context, roleID, permissionID string) error
	// SetPermissions replaces the full permission edge set of the role in
	// one transaction. Partial replacement must be impossible.
	SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)

	AssignToUser(ctx context.Context, edge UserRole) error
	RemoveFromUser(ctx context.Context, userID, roleID string) error
	// SetForUser replaces the full role edge set of the user in one
	// transaction, stamping assignedBy on every new edge.
	SetForUser(ctx context.Context, userID string, roleIDs []string, assignedBy string) error
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	AssignmentsForUser(ctx context.Context, userID string) ([]UserRole, error)
}

// ResolverStore is the read-only slice of RoleStore the resolution engine
// needs. RoleStore satisfies it.
type ResolverStore interface {
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// Directory looks users up in the surrounding application's user store.
type Directory interface {
	FindUser(ctx context.Context, id string) (UserRef, error)
}
