package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/token"
)

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	UserID    string `json:"user_id"`
}

type addIPRuleRequest struct {
	Kind      string     `json:"kind"`
	CIDR      string     `json:"cidr"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type checkIPRequest struct {
	IP string `json:"ip"`
}

type resolveAlertResponse struct {
	Alert guard.Alert `json:"alert"`
}

// handleLogin authenticates the caller and issues a bearer token
// carrying the user's active role names.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.authn == nil {
		writeError(w, r, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	var req guard.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()

	creds, err := a.authn.Login(r.Context(), req)
	if err != nil {
		handleGuardError(w, r, err)
		return
	}

	var roles []string
	if a.resolver != nil {
		view, err := a.resolver.UserWithRoles(r.Context(), creds.UserID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "role resolution failed")
			return
		}
		for _, role := range view.Roles {
			roles = append(roles, role.Name)
		}
	}

	tok, err := token.Generate(creds.UserID, creds.OrganizationID, roles, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     tok,
		ExpiresIn: int64(a.opts.TokenTTL.Seconds()),
		UserID:    creds.UserID,
	})
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	q := r.URL.Query()
	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	offset, err := parseIntParam(q.Get("offset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be an integer")
		return
	}
	alerts, err := a.guard.ListAlerts(r.Context(), guard.AlertFilter{
		OrganizationID: orgID,
		Status:         guard.AlertStatus(q.Get("status")),
		Type:           guard.AlertType(q.Get("type")),
		UserID:         strings.TrimSpace(q.Get("user_id")),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		handleGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAlertResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/alerts/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		_, orgID, ok := a.caller(w, r)
		if !ok {
			return
		}
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		alert, err := a.guard.GetAlert(r.Context(), orgID, parts[0])
		if err != nil {
			handleGuardError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	case len(parts) == 2 && parts[1] == "resolve":
		a.handleResolveAlert(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// handleResolveAlert closes an alert. Resolving a lockout alert doubles
// as the manual account unlock.
func (a *API) handleResolveAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	callerID, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	alert, err := a.guard.ResolveAlert(r.Context(), orgID, alertID, callerID)
	if err != nil {
		handleGuardError(w, r, err)
		return
	}
	a.audit(r.Context(), "guard.alert.resolve", map[string]any{
		"alert_id":   alertID,
		"alert_type": string(alert.Type),
	})
	writeJSON(w, http.StatusOK, resolveAlertResponse{Alert: alert})
}

func (a *API) handleIPRules(w http.ResponseWriter, r *http.Request) {
	callerID, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	switch r.Method {
	case http.MethodGet:
		rules, err := a.guard.ListIPRules(r.Context(), orgID)
		if err != nil {
			handleGuardError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	case http.MethodPost:
		var req addIPRuleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rule, err := a.guard.AddIPRule(r.Context(), guard.IPRule{
			OrganizationID: orgID,
			Kind:           guard.IPRuleKind(req.Kind),
			CIDR:           req.CIDR,
			Reason:         req.Reason,
			CreatedBy:      callerID,
			ExpiresAt:      req.ExpiresAt,
		})
		if err != nil {
			handleGuardError(w, r, err)
			return
		}
		a.audit(r.Context(), "guard.iprule.create", map[string]any{
			"rule_id": rule.ID,
			"kind":    string(rule.Kind),
			"cidr":    rule.CIDR,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/ip-rules/%s", rule.ID))
		writeJSON(w, http.StatusCreated, rule)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleIPRuleResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/ip-rules/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	if err := a.guard.RemoveIPRule(r.Context(), orgID, parts[0]); err != nil {
		handleGuardError(w, r, err)
		return
	}
	a.audit(r.Context(), "guard.iprule.delete", map[string]any{"rule_id": parts[0]})
	w.WriteHeader(http.StatusNoContent)
}

// handleIPCheck evaluates an address against the organization's rules
// without recording anything.
func (a *API) handleIPCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	var req checkIPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := a.guard.CheckIP(r.Context(), orgID, req.IP)
	if err != nil {
		handleGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	stats, err := a.guard.GetSecurityStats(r.Context(), orgID, since)
	if err != nil {
		handleGuardError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleGuardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, guard.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, guard.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, "account is locked")
	case errors.Is(err, guard.ErrIPBlocked):
		writeError(w, r, http.StatusForbidden, "address not allowed")
	case errors.Is(err, guard.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, guard.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, guard.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "security operation failed")
	}
}
