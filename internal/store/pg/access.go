package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"vantagecrm.org/internal/access"
	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/ids"
)

// Permissions implements access.PermissionStore.
type Permissions struct {
	db *sql.DB
}

var _ access.PermissionStore = (*Permissions)(nil)

func (p *Permissions) Create(ctx context.Context, perm *access.Permission) error {
	if p.db == nil {
		return errors.New("database connection unavailable")
	}
	if perm.ID == "" {
		perm.ID = ids.New()
	}
	row := p.db.QueryRowContext(ctx, `
		insert into permissions (id, resource, action, scope, description, is_active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, perm.ID, perm.Resource, perm.Action, string(perm.Scope), nullIfEmpty(perm.Description), perm.IsActive)
	if err := row.Scan(&perm.CreatedAt, &perm.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return access.ErrConflict
		}
		return err
	}
	return nil
}

func (p *Permissions) Find(ctx context.Context, id string) (access.Permission, error) {
	if p.db == nil {
		return access.Permission{}, errors.New("database connection unavailable")
	}
	return scanPermission(p.db.QueryRowContext(ctx, `
		select id, resource, action, scope, description, is_active, created_at, updated_at
		from permissions
		where id = $1
	`, id))
}

func (p *Permissions) List(ctx context.Context) ([]access.Permission, error) {
	if p.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := p.db.QueryContext(ctx, `
		select id, resource, action, scope, description, is_active, created_at, updated_at
		from permissions
		order by resource, action, scope
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (p *Permissions) Update(ctx context.Context, id string, upd access.PermissionUpdate) (access.Permission, error) {
	if p.db == nil {
		return access.Permission{}, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update permissions set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := p.db.ExecContext(ctx, query, args...)
		if err != nil {
			return access.Permission{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return access.Permission{}, err
		}
		if aff == 0 {
			return access.Permission{}, access.ErrNotFound
		}
	}
	return p.Find(ctx, id)
}

func (p *Permissions) Delete(ctx context.Context, id string) error {
	if p.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := p.db.ExecContext(ctx, `delete from permissions where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return access.ErrNotFound
	}
	return nil
}

// Roles implements access.RoleStore.
type Roles struct {
	db *sql.DB
}

var _ access.RoleStore = (*Roles)(nil)

func (r *Roles) Create(ctx context.Context, role *access.Role) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	row := r.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system, is_active)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.IsSystem, role.IsActive)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return access.ErrConflict
		}
		return err
	}
	return nil
}

func (r *Roles) Find(ctx context.Context, id string) (access.Role, error) {
	if r.db == nil {
		return access.Role{}, errors.New("database connection unavailable")
	}
	return scanRole(r.db.QueryRowContext(ctx, `
		select id, name, description, is_system, is_active, created_at, updated_at
		from roles
		where id = $1
	`, id))
}

func (r *Roles) List(ctx context.Context) ([]access.Role, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select id, name, description, is_system, is_active, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []access.Role
	for rows.Next() {
		role, err := scanRoleRows(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *Roles) Update(ctx context.Context, id string, upd access.RoleUpdate) (access.Role, error) {
	if r.db == nil {
		return access.Role{}, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		if *upd.Description == "" {
			sets = append(sets, "description = NULL")
		} else {
			sets = append(sets, fmt.Sprintf("description = $%d", idx))
			args = append(args, *upd.Description)
			idx++
		}
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return access.Role{}, access.ErrConflict
			}
			return access.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return access.Role{}, err
		}
		if aff == 0 {
			return access.Role{}, access.ErrNotFound
		}
	}
	return r.Find(ctx, id)
}

func (r *Roles) Delete(ctx context.Context, id string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := r.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return access.ErrNotFound
	}
	return nil
}

func (r *Roles) AddPermission(ctx context.Context, roleID, permissionID string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := r.db.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		values ($1, $2)
	`, roleID, permissionID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return access.ErrConflict
			case pgErrForeignKeyViolation:
				return access.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (r *Roles) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := r.db.ExecContext(ctx, `
		delete from role_permissions
		where role_id = $1 and permission_id = $2
	`, roleID, permissionID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return access.ErrNotFound
	}
	return nil
}

// SetPermissions replaces the role's permission edges atomically: the
// delete and every insert share one transaction.
func (r *Roles) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return access.ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
		`, roleID, permID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: permission %s", access.ErrNotFound, permID)
			}
			return err
		}
	}
	return tx.Commit()
}

func (r *Roles) PermissionsForRole(ctx context.Context, roleID string) ([]access.Permission, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select p.id, p.resource, p.action, p.scope, p.description, p.is_active, p.created_at, p.updated_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.resource, p.action, p.scope
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (r *Roles) AssignToUser(ctx context.Context, edge access.UserRole) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := r.db.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, assigned_by, assigned_at)
		values ($1, $2, $3, $4)
	`, edge.UserID, edge.RoleID, nullIfEmpty(edge.AssignedBy), edge.AssignedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return access.ErrConflict
			case pgErrForeignKeyViolation:
				return access.ErrNotFound
			}
		}
		return err
	}
	return nil
}

func (r *Roles) RemoveFromUser(ctx context.Context, userID, roleID string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := r.db.ExecContext(ctx, `
		delete from user_roles
		where user_id = $1 and role_id = $2
	`, userID, roleID)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return access.ErrNotFound
	}
	return nil
}

// SetForUser replaces the user's role edges atomically.
func (r *Roles) SetForUser(ctx context.Context, userID string, roleIDs []string, assignedBy string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into user_roles (user_id, role_id, assigned_by, assigned_at)
			values ($1, $2, $3, now())
		`, userID, roleID, nullIfEmpty(assignedBy)); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return fmt.Errorf("%w: role %s", access.ErrNotFound, roleID)
			}
			return err
		}
	}
	return tx.Commit()
}

func (r *Roles) RolesForUser(ctx context.Context, userID string) ([]access.Role, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select ro.id, ro.name, ro.description, ro.is_system, ro.is_active, ro.created_at, ro.updated_at
		from user_roles ur
		join roles ro on ro.id = ur.role_id
		where ur.user_id = $1
		order by ro.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []access.Role
	for rows.Next() {
		role, err := scanRoleRows(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (r *Roles) AssignmentsForUser(ctx context.Context, userID string) ([]access.UserRole, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select user_id, role_id, coalesce(assigned_by, ''), assigned_at
		from user_roles
		where user_id = $1
		order by role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []access.UserRole
	for rows.Next() {
		var e access.UserRole
		if err := rows.Scan(&e.UserID, &e.RoleID, &e.AssignedBy, &e.AssignedAt); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edges, nil
}

// Users serves the directory lookups the access, policy and guard
// services delegate to the application's user store.
type Users struct {
	db *sql.DB
}

var _ access.Directory = (*Users)(nil)
var _ guard.CredentialSource = (*Users)(nil)

func (u *Users) FindUser(ctx context.Context, id string) (access.UserRef, error) {
	if u.db == nil {
		return access.UserRef{}, errors.New("database connection unavailable")
	}
	var (
		ref  access.UserRef
		name sql.NullString
	)
	err := u.db.QueryRowContext(ctx, `
		select id, email, name
		from users
		where id = $1
	`, id).Scan(&ref.ID, &ref.Email, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return access.UserRef{}, access.ErrNotFound
	}
	if err != nil {
		return access.UserRef{}, err
	}
	if name.Valid {
		ref.Name = name.String
	}
	return ref, nil
}

func (u *Users) FindByEmail(ctx context.Context, organizationID, email string) (guard.Credentials, error) {
	if u.db == nil {
		return guard.Credentials{}, errors.New("database connection unavailable")
	}
	var creds guard.Credentials
	err := u.db.QueryRowContext(ctx, `
		select id, organization_id, email, password_hash, is_active
		from users
		where organization_id = $1 and lower(email) = lower($2)
	`, organizationID, email).Scan(&creds.UserID, &creds.OrganizationID, &creds.Email, &creds.PasswordHash, &creds.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return guard.Credentials{}, guard.ErrNotFound
	}
	if err != nil {
		return guard.Credentials{}, err
	}
	return creds, nil
}

func (u *Users) OrganizationExists(ctx context.Context, id string) (bool, error) {
	if u.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var one int
	err := u.db.QueryRowContext(ctx, `select 1 from organizations where id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OrganizationIDs lists every organization, used by background jobs
// such as the event retention sweeper.
func (u *Users) OrganizationIDs(ctx context.Context) ([]string, error) {
	if u.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := u.db.QueryContext(ctx, `select id from organizations order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (access.Permission, error) {
	var (
		perm  access.Permission
		scope string
		desc  sql.NullString
	)
	err := row.Scan(&perm.ID, &perm.Resource, &perm.Action, &scope, &desc, &perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Permission{}, access.ErrNotFound
	}
	if err != nil {
		return access.Permission{}, err
	}
	perm.Scope = access.Scope(scope)
	if desc.Valid {
		perm.Description = desc.String
	}
	return perm, nil
}

func collectPermissions(rows *sql.Rows) ([]access.Permission, error) {
	var perms []access.Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func scanRole(row rowScanner) (access.Role, error) {
	var (
		role access.Role
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &role.Name, &desc, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Role{}, access.ErrNotFound
	}
	if err != nil {
		return access.Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func scanRoleRows(rows *sql.Rows) (access.Role, error) {
	return scanRole(rows)
}
