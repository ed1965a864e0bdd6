package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vantagecrm.org/internal/access"
	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/seclog"
	"vantagecrm.org/internal/token"
)

// permissionChange describes one committed grant mutation for the
// security event log.
type permissionChange struct {
	Operation    string
	RoleID       string
	PermissionID string
	TargetUserID string
	Description  string
}

// permissionChanged appends a permission_changed event after a grant
// mutation commits. Logging is best effort; the mutation itself already
// decided the response.
func (a *API) permissionChanged(r *http.Request, c permissionChange) {
	callerID, _ := token.UserIDFromContext(r.Context())
	orgID, _ := token.OrganizationFromContext(r.Context())
	md := map[string]string{"operation": c.Operation}
	if callerID != "" {
		md["changed_by"] = callerID
	}
	if c.RoleID != "" {
		md["role_id"] = c.RoleID
	}
	if c.PermissionID != "" {
		md["permission_id"] = c.PermissionID
	}
	a.events.BestEffort(r.Context(), seclog.Event{
		OrganizationID: orgID,
		Type:           seclog.EventPermissionChanged,
		ActorUserID:    callerID,
		TargetUserID:   c.TargetUserID,
		Description:    c.Description,
		Metadata:       md,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
		Success:        true,
	})
}

type createPermissionRequest struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	Description string `json:"description"`
}

type updatePermissionRequest struct {
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type addRolePermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

type setUserRolesRequest struct {
	Roles []string `json:"roles"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type authzCheckRequest struct {
	UserID   string `json:"user_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
	OwnerID  string `json:"owner_id"`
}

type authzCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// handleAuthzCheck answers "may this user act?". Callers may ask about
// themselves freely; asking about another user requires user management.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	callerID, _, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req authzCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = callerID
	}
	if req.UserID != callerID && !a.ensurePermission(w, r, "users", "manage") {
		return
	}
	allowed, err := a.resolver.CheckPermission(r.Context(), req.UserID, req.Resource, req.Action, req.OwnerID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	obs.CountAuthzDecision(allowed)
	writeJSON(w, http.StatusOK, authzCheckResponse{Allowed: allowed})
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, _, ok := a.caller(w, r); !ok {
			return
		}
		perms, err := a.admin.ListPermissions(r.Context())
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPost:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.admin.CreatePermission(r.Context(), req.Resource, req.Action, access.Scope(req.Scope), req.Description)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "permission.create",
			PermissionID: perm.ID,
			Description:  fmt.Sprintf("permission %s:%s created", perm.Resource, perm.Action),
		})
		a.audit(r.Context(), "access.permission.create", map[string]any{
			"permission_id": perm.ID,
			"resource":      perm.Resource,
			"action":        perm.Action,
			"scope":         string(perm.Scope),
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
		writeJSON(w, http.StatusCreated, perm)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/permissions/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	switch r.Method {
	case http.MethodGet:
		if _, _, ok := a.caller(w, r); !ok {
			return
		}
		perm, err := a.admin.GetPermission(r.Context(), id)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, perm)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req updatePermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.admin.UpdatePermission(r.Context(), id, access.PermissionUpdate{
			Description: req.Description,
			IsActive:    req.IsActive,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "permission.update",
			PermissionID: id,
			Description:  "permission updated",
		})
		a.audit(r.Context(), "access.permission.update", map[string]any{"permission_id": id})
		writeJSON(w, http.StatusOK, perm)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		if err := a.admin.DeletePermission(r.Context(), id); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "permission.delete",
			PermissionID: id,
			Description:  "permission deleted",
		})
		a.audit(r.Context(), "access.permission.delete", map[string]any{"permission_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, _, ok := a.caller(w, r); !ok {
			return
		}
		roles, err := a.admin.ListRoles(r.Context())
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		// Roles created over the API are never system roles.
		role, err := a.admin.CreateRole(r.Context(), req.Name, req.Description, false)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:   "role.create",
			RoleID:      role.ID,
			Description: fmt.Sprintf("role %q created", role.Name),
		})
		a.audit(r.Context(), "access.role.create", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/roles/")
	switch len(parts) {
	case 1:
		a.handleRole(w, r, parts[0])
	case 2:
		if parts[1] != "permissions" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.handleRolePermissions(w, r, parts[0])
	case 3:
		if parts[1] != "permissions" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.handleRolePermissionEdge(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if _, _, ok := a.caller(w, r); !ok {
			return
		}
		role, err := a.admin.GetRole(r.Context(), roleID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.admin.UpdateRole(r.Context(), roleID, access.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
			IsActive:    req.IsActive,
		})
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:   "role.update",
			RoleID:      roleID,
			Description: "role updated",
		})
		a.audit(r.Context(), "access.role.update", map[string]any{"role_id": roleID})
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		if err := a.admin.DeleteRole(r.Context(), roleID); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:   "role.delete",
			RoleID:      roleID,
			Description: "role deleted",
		})
		a.audit(r.Context(), "access.role.delete", map[string]any{"role_id": roleID})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodPut:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req setRolePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.admin.SetRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:   "role.permissions.set",
			RoleID:      roleID,
			Description: fmt.Sprintf("role permissions replaced (%d grants)", len(req.Permissions)),
		})
		a.audit(r.Context(), "access.role.permissions.set", map[string]any{
			"role_id": roleID,
			"count":   len(req.Permissions),
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req addRolePermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.admin.AssignPermissionToRole(r.Context(), roleID, req.PermissionID); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "role.permissions.add",
			RoleID:       roleID,
			PermissionID: req.PermissionID,
			Description:  "permission granted to role",
		})
		a.audit(r.Context(), "access.role.permissions.add", map[string]any{
			"role_id":       roleID,
			"permission_id": req.PermissionID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodPost)
	}
}

func (a *API) handleRolePermissionEdge(w http.ResponseWriter, r *http.Request, roleID, permissionID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	if err := a.admin.RemovePermissionFromRole(r.Context(), roleID, permissionID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.permissionChanged(r, permissionChange{
		Operation:    "role.permissions.remove",
		RoleID:       roleID,
		PermissionID: permissionID,
		Description:  "permission revoked from role",
	})
	a.audit(r.Context(), "access.role.permissions.remove", map[string]any{
		"role_id":       roleID,
		"permission_id": permissionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/users/")
	if len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, userID)
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRoleEdge(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, userID)
	case len(parts) == 2 && parts[1] == "assignments":
		a.handleUserAssignments(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		callerID, _, ok := a.caller(w, r)
		if !ok {
			return
		}
		if userID != callerID && !a.ensurePermission(w, r, "users", "manage") {
			return
		}
		view, err := a.resolver.UserWithRoles(r.Context(), userID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		callerID, _, ok := a.caller(w, r)
		if !ok {
			return
		}
		if !a.ensurePermission(w, r, "users", "manage") {
			return
		}
		var req setUserRolesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.admin.SetUserRoles(r.Context(), userID, req.Roles, callerID); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "user.roles.set",
			TargetUserID: userID,
			Description:  fmt.Sprintf("user roles replaced (%d roles)", len(req.Roles)),
		})
		a.audit(r.Context(), "access.user.roles.set", map[string]any{
			"user_id": userID,
			"count":   len(req.Roles),
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		callerID, _, ok := a.caller(w, r)
		if !ok {
			return
		}
		if !a.ensurePermission(w, r, "users", "manage") {
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.admin.AssignRoleToUser(r.Context(), userID, req.RoleID, callerID); err != nil {
			handleAccessError(w, r, err)
			return
		}
		a.permissionChanged(r, permissionChange{
			Operation:    "user.roles.add",
			RoleID:       req.RoleID,
			TargetUserID: userID,
			Description:  "role assigned to user",
		})
		a.audit(r.Context(), "access.user.roles.add", map[string]any{
			"user_id": userID,
			"role_id": req.RoleID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodPost)
	}
}

func (a *API) handleUserRoleEdge(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, "users", "manage") {
		return
	}
	if err := a.admin.RemoveRoleFromUser(r.Context(), userID, roleID); err != nil {
		handleAccessError(w, r, err)
		return
	}
	a.permissionChanged(r, permissionChange{
		Operation:    "user.roles.remove",
		RoleID:       roleID,
		TargetUserID: userID,
		Description:  "role removed from user",
	})
	a.audit(r.Context(), "access.user.roles.remove", map[string]any{
		"user_id": userID,
		"role_id": roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	callerID, _, ok := a.caller(w, r)
	if !ok {
		return
	}
	if userID != callerID && !a.ensurePermission(w, r, "users", "manage") {
		return
	}
	perms, err := a.resolver.UserPermissions(r.Context(), userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleUserAssignments(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, "users", "manage") {
		return
	}
	assignments, err := a.admin.UserAssignments(r.Context(), userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrSystemRole):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "access operation failed")
	}
}
