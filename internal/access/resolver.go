package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolver answers "is this user allowed?" questions by walking the
// user's active roles and unioning their active permissions.
//
// The engine fails closed: any storage error yields a deny together with
// the underlying error so the caller can observe it. There is no explicit
// deny permission; the only way to restrict access is to not grant it.
//
// Scope "organization" is trusted to the caller's pre-scoping, so the
// engine deliberately takes no organization id. A stricter design would
// thread it through every check.
type Resolver struct {
	store     ResolverStore
	directory Directory
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithDirectory enables user lookups for UserWithRoles.
func WithDirectory(d Directory) ResolverOption {
	return func(r *Resolver) { r.directory = d }
}

// NewResolver constructs a Resolver.
func NewResolver(store ResolverStore, opts ...ResolverOption) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("access: resolver store is required")
	}
	r := &Resolver{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// CheckPermission reports whether userID may perform action on resource.
// ownerID identifies the owner of the target resource and may be empty
// when ownership is unknown or irrelevant; an "own"-scoped grant is
// satisfied only when ownerID equals userID.
//
// A user is as privileged as the union of their roles: the check passes
// if at least one candidate grant is satisfied.
func (r *Resolver) CheckPermission(ctx context.Context, userID, resource, action, ownerID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if userID == "" || resource == "" || action == "" {
		return false, fmt.Errorf("%w: user_id, resource and action are required", ErrInvalidInput)
	}

	roles, err := r.store.RolesForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("access: resolve roles for %s: %w", userID, err)
	}
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		perms, err := r.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return false, fmt.Errorf("access: resolve permissions for role %s: %w", role.ID, err)
		}
		for _, p := range perms {
			if !p.IsActive {
				continue
			}
			// Exact, case-sensitive match.
			if p.Resource != resource || p.Action != action {
				continue
			}
			if scopeSatisfied(p.Scope, userID, ownerID) {
				return true, nil
			}
		}
	}
	return false, nil
}

func scopeSatisfied(scope Scope, userID, ownerID string) bool {
	switch scope {
	case ScopeGlobal, ScopeOrganization:
		return true
	case ScopeOwn:
		return ownerID != "" && ownerID == userID
	}
	return false
}

// UserPermissions returns the deduplicated union of active permissions
// granted through the user's active roles.
func (r *Resolver) UserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	roles, err := r.store.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("access: resolve roles for %s: %w", userID, err)
	}
	return r.unionPermissions(ctx, roles)
}

// UserWithRoles returns the resolved role and permission sets of a user
// for audit and display. The user reference is attached when a directory
// was configured; a missing directory entry is not an error.
func (r *Resolver) UserWithRoles(ctx context.Context, userID string) (UserWithRoles, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserWithRoles{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	roles, err := r.store.RolesForUser(ctx, userID)
	if err != nil {
		return UserWithRoles{}, fmt.Errorf("access: resolve roles for %s: %w", userID, err)
	}
	active := make([]Role, 0, len(roles))
	for _, role := range roles {
		if role.IsActive {
			active = append(active, role)
		}
	}
	perms, err := r.unionPermissions(ctx, active)
	if err != nil {
		return UserWithRoles{}, err
	}
	out := UserWithRoles{UserID: userID, Roles: active, Permissions: perms}
	if r.directory != nil {
		ref, err := r.directory.FindUser(ctx, userID)
		if err == nil {
			out.User = &ref
		} else if !errors.Is(err, ErrNotFound) {
			return UserWithRoles{}, fmt.Errorf("access: directory lookup for %s: %w", userID, err)
		}
	}
	return out, nil
}

func (r *Resolver) unionPermissions(ctx context.Context, roles []Role) ([]Permission, error) {
	seen := make(map[string]struct{})
	var union []Permission
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		perms, err := r.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("access: resolve permissions for role %s: %w", role.ID, err)
		}
		for _, p := range perms {
			if !p.IsActive {
				continue
			}
			key := p.Resource + "\x00" + p.Action + "\x00" + string(p.Scope)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			union = append(union, p)
		}
	}
	return union, nil
}
