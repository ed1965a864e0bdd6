package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vantagecrm.org/internal/ids"
)

// Admin performs permission and role administration: catalog CRUD plus
// edge management between roles, permissions and users.
type Admin struct {
	permissions PermissionStore
	roles       RoleStore
	now         func() time.Time
}

// AdminOption configures Admin.
type AdminOption func(*Admin)

// WithAdminClock overrides the time source (useful for tests).
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// NewAdmin constructs an Admin service.
func NewAdmin(permissions PermissionStore, roles RoleStore, opts ...AdminOption) (*Admin, error) {
	if permissions == nil || roles == nil {
		return nil, errors.New("access: permission and role stores are required")
	}
	a := &Admin{permissions: permissions, roles: roles, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CreatePermission registers a new capability in the catalog.
func (a *Admin) CreatePermission(ctx context.Context, resource, action string, scope Scope, description string) (Permission, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
	}
	if !scope.Valid() {
		return Permission{}, fmt.Errorf("%w: unsupported scope %q", ErrInvalidInput, scope)
	}
	now := a.now().UTC()
	p := Permission{
		ID:          ids.New(),
		Resource:    resource,
		Action:      action,
		Scope:       scope,
		Description: strings.TrimSpace(description),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.permissions.Create(ctx, &p); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// GetPermission returns a single permission by id.
func (a *Admin) GetPermission(ctx context.Context, id string) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return a.permissions.Find(ctx, id)
}

// ListPermissions returns the whole catalog.
func (a *Admin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.permissions.List(ctx)
}

// UpdatePermission applies a partial update to a permission.
func (a *Admin) UpdatePermission(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Permission{}, fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	if upd.Description != nil {
		trimmed := strings.TrimSpace(*upd.Description)
		upd.Description = &trimmed
	}
	return a.permissions.Update(ctx, id, upd)
}

// DeletePermission removes a permission and all its role edges.
func (a *Admin) DeletePermission(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: permission_id is required", ErrInvalidInput)
	}
	return a.permissions.Delete(ctx, id)
}

// CreateRole registers a new role.
func (a *Admin) CreateRole(ctx context.Context, name, description string, isSystem bool) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	now := a.now().UTC()
	r := Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		IsSystem:    isSystem,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.roles.Create(ctx, &r); err != nil {
		return Role{}, err
	}
	return r, nil
}

// GetRole returns a single role by id.
func (a *Admin) GetRole(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return a.roles.Find(ctx, id)
}

// ListRoles returns all roles.
func (a *Admin) ListRoles(ctx context.Context) ([]Role, error) {
	return a.roles.List(ctx)
}

// UpdateRole applies a partial update. System roles reject deactivation
// and renames; their description may still change.
func (a *Admin) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := a.roles.Find(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem && (upd.Name != nil || upd.IsActive != nil) {
		return Role{}, fmt.Errorf("%w: %s", ErrSystemRole, role.Name)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return a.roles.Update(ctx, id, upd)
}

// DeleteRole removes a role. Deleting a system role always fails and
// leaves the role queryable.
func (a *Admin) DeleteRole(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := a.roles.Find(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: %s", ErrSystemRole, role.Name)
	}
	return a.roles.Delete(ctx, id)
}

// AssignPermissionToRole adds a single role→permission edge.
func (a *Admin) AssignPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return a.roles.AddPermission(ctx, roleID, permissionID)
}

// RemovePermissionFromRole removes a single role→permission edge.
func (a *Admin) RemovePermissionFromRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return a.roles.RemovePermission(ctx, roleID, permissionID)
}

// SetRolePermissions atomically replaces the permission set of a role.
// Calling it twice with the same list is a no-op for the resolved set.
func (a *Admin) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return a.roles.SetPermissions(ctx, roleID, dedupeStrings(permissionIDs))
}

// AssignRoleToUser adds a single user→role edge stamped with the
// assigning administrator.
func (a *Admin) AssignRoleToUser(ctx context.Context, userID, roleID, assignedBy string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	assignedBy = strings.TrimSpace(assignedBy)
	if userID == "" || roleID == "" || assignedBy == "" {
		return fmt.Errorf("%w: user_id, role_id and assigned_by are required", ErrInvalidInput)
	}
	return a.roles.AssignToUser(ctx, UserRole{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: a.now().UTC(),
	})
}

// RemoveRoleFromUser removes a single user→role edge.
func (a *Admin) RemoveRoleFromUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return a.roles.RemoveFromUser(ctx, userID, roleID)
}

// SetUserRoles atomically replaces the role set of a user. Either all
// edges are replaced or none are.
func (a *Admin) SetUserRoles(ctx context.Context, userID string, roleIDs []string, assignedBy string) error {
	userID = strings.TrimSpace(userID)
	assignedBy = strings.TrimSpace(assignedBy)
	if userID == "" || assignedBy == "" {
		return fmt.Errorf("%w: user_id and assigned_by are required", ErrInvalidInput)
	}
	return a.roles.SetForUser(ctx, userID, dedupeStrings(roleIDs), assignedBy)
}

// UserAssignments returns the raw user→role audit trail.
func (a *Admin) UserAssignments(ctx context.Context, userID string) ([]UserRole, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return a.roles.AssignmentsForUser(ctx, userID)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
