package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory PermissionStore + RoleStore used to exercise
// the admin invariants without a database.
type memStore struct {
	perms     map[string]Permission
	roles     map[string]Role
	rolePerms map[string]map[string]struct{}
	userRoles map[string][]UserRole
}

func newMemStore() *memStore {
	return &memStore{
		perms:     map[string]Permission{},
		roles:     map[string]Role{},
		rolePerms: map[string]map[string]struct{}{},
		userRoles: map[string][]UserRole{},
	}
}

func (m *memStore) Create(ctx context.Context, p *Permission) error {
	m.perms[p.ID] = *p
	return nil
}

func (m *memStore) Find(ctx context.Context, id string) (Permission, error) {
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) List(ctx context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, id string, upd PermissionUpdate) (Permission, error) {
	p, ok := m.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	m.perms[id] = p
	return p, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.perms[id]; !ok {
		return ErrNotFound
	}
	delete(m.perms, id)
	return nil
}

type memRoleStore struct{ *memStore }

func (m memRoleStore) Create(ctx context.Context, r *Role) error {
	m.roles[r.ID] = *r
	return nil
}

func (m memRoleStore) Find(ctx context.Context, id string) (Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m memRoleStore) List(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	return out, nil
}

func (m memRoleStore) Update(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	m.roles[id] = r
	return r, nil
}

func (m memRoleStore) Delete(ctx context.Context, id string) error {
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	return nil
}

func (m memRoleStore) AddPermission(ctx context.Context, roleID, permissionID string) error {
	set, ok := m.rolePerms[roleID]
	if !ok {
		set = map[string]struct{}{}
		m.rolePerms[roleID] = set
	}
	if _, dup := set[permissionID]; dup {
		return ErrConflict
	}
	set[permissionID] = struct{}{}
	return nil
}

func (m memRoleStore) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	set := m.rolePerms[roleID]
	if _, ok := set[permissionID]; !ok {
		return ErrNotFound
	}
	delete(set, permissionID)
	return nil
}

func (m memRoleStore) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	m.rolePerms[roleID] = set
	return nil
}

func (m memRoleStore) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	var out []Permission
	for id := range m.rolePerms[roleID] {
		if p, ok := m.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m memRoleStore) AssignToUser(ctx context.Context, edge UserRole) error {
	for _, existing := range m.userRoles[edge.UserID] {
		if existing.RoleID == edge.RoleID {
			return ErrConflict
		}
	}
	m.userRoles[edge.UserID] = append(m.userRoles[edge.UserID], edge)
	return nil
}

func (m memRoleStore) RemoveFromUser(ctx context.Context, userID, roleID string) error {
	edges := m.userRoles[userID]
	for i, edge := range edges {
		if edge.RoleID == roleID {
			m.userRoles[userID] = append(edges[:i], edges[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m memRoleStore) SetForUser(ctx context.Context, userID string, roleIDs []string, assignedBy string) error {
	edges := make([]UserRole, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		edges = append(edges, UserRole{UserID: userID, RoleID: roleID, AssignedBy: assignedBy, AssignedAt: time.Now().UTC()})
	}
	m.userRoles[userID] = edges
	return nil
}

func (m memRoleStore) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	var out []Role
	for _, edge := range m.userRoles[userID] {
		if r, ok := m.roles[edge.RoleID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m memRoleStore) AssignmentsForUser(ctx context.Context, userID string) ([]UserRole, error) {
	return append([]UserRole(nil), m.userRoles[userID]...), nil
}

func newTestAdmin(t *testing.T) (*Admin, *memStore) {
	t.Helper()
	store := newMemStore()
	admin, err := NewAdmin(store, memRoleStore{store})
	require.NoError(t, err)
	return admin, store
}

func TestDeleteSystemRoleFails(t *testing.T) {
	admin, _ := newTestAdmin(t)
	ctx := context.Background()

	role, err := admin.CreateRole(ctx, "Administrator", "built-in", true)
	require.NoError(t, err)

	err = admin.DeleteRole(ctx, role.ID)
	require.ErrorIs(t, err, ErrSystemRole)

	// The role must remain queryable afterwards.
	got, err := admin.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, role.ID, got.ID)
}

func TestUpdateSystemRoleRejectsRenameAndDeactivation(t *testing.T) {
	admin, _ := newTestAdmin(t)
	ctx := context.Background()

	role, err := admin.CreateRole(ctx, "Administrator", "", true)
	require.NoError(t, err)

	name := "renamed"
	_, err = admin.UpdateRole(ctx, role.ID, RoleUpdate{Name: &name})
	require.ErrorIs(t, err, ErrSystemRole)

	inactive := false
	_, err = admin.UpdateRole(ctx, role.ID, RoleUpdate{IsActive: &inactive})
	require.ErrorIs(t, err, ErrSystemRole)

	desc := "still editable"
	updated, err := admin.UpdateRole(ctx, role.ID, RoleUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, desc, updated.Description)
}

func TestSetUserRolesIdempotent(t *testing.T) {
	admin, store := newTestAdmin(t)
	ctx := context.Background()

	r1, err := admin.CreateRole(ctx, "sales", "", false)
	require.NoError(t, err)
	r2, err := admin.CreateRole(ctx, "support", "", false)
	require.NoError(t, err)
	perm, err := admin.CreatePermission(ctx, "deals", "read", ScopeGlobal, "")
	require.NoError(t, err)
	require.NoError(t, admin.SetRolePermissions(ctx, r1.ID, []string{perm.ID}))

	resolver, err := NewResolver(memRoleStore{store})
	require.NoError(t, err)

	require.NoError(t, admin.SetUserRoles(ctx, "u1", []string{r1.ID, r2.ID}, "admin-1"))
	first, err := resolver.UserPermissions(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, admin.SetUserRoles(ctx, "u1", []string{r1.ID, r2.ID}, "admin-1"))
	second, err := resolver.UserPermissions(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	edges, err := admin.UserAssignments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, edges, 2, "no duplicate edges after repeated set")
}

func TestSetUserRolesDeduplicatesInput(t *testing.T) {
	admin, _ := newTestAdmin(t)
	ctx := context.Background()

	role, err := admin.CreateRole(ctx, "sales", "", false)
	require.NoError(t, err)

	require.NoError(t, admin.SetUserRoles(ctx, "u1", []string{role.ID, role.ID, " " + role.ID + " "}, "admin-1"))
	edges, err := admin.UserAssignments(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestAssignRoleToUserRecordsAuditFields(t *testing.T) {
	admin, _ := newTestAdmin(t)
	ctx := context.Background()

	role, err := admin.CreateRole(ctx, "sales", "", false)
	require.NoError(t, err)
	require.NoError(t, admin.AssignRoleToUser(ctx, "u1", role.ID, "admin-9"))

	edges, err := admin.UserAssignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "admin-9", edges[0].AssignedBy)
	assert.False(t, edges[0].AssignedAt.IsZero())

	err = admin.AssignRoleToUser(ctx, "u1", role.ID, "admin-9")
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreatePermissionValidatesScope(t *testing.T) {
	admin, _ := newTestAdmin(t)

	_, err := admin.CreatePermission(context.Background(), "deals", "read", Scope("team"), "")
	require.ErrorIs(t, err, ErrInvalidInput)
}
