package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
)

type updateSettingsRequest struct {
	PasswordMinLength        *int  `json:"password_min_length"`
	PasswordRequireUppercase *bool `json:"password_require_uppercase"`
	PasswordRequireLowercase *bool `json:"password_require_lowercase"`
	PasswordRequireNumbers   *bool `json:"password_require_numbers"`
	PasswordRequireSpecial   *bool `json:"password_require_special"`
	PasswordExpirationDays   *int  `json:"password_expiration_days"`
	PasswordHistoryCount     *int  `json:"password_history_count"`

	MaxLoginAttempts       *int  `json:"max_login_attempts"`
	LockoutDurationMinutes *int  `json:"lockout_duration_minutes"`
	SessionTimeoutMinutes  *int  `json:"session_timeout_minutes"`
	TwoFactorRequired      *bool `json:"two_factor_required"`

	AllowedEmailDomains *[]string `json:"allowed_email_domains"`
	BlockedEmailDomains *[]string `json:"blocked_email_domains"`
	AllowedIPs          *[]string `json:"allowed_ips"`
	BlockedIPs          *[]string `json:"blocked_ips"`

	DataRetentionDays      *int    `json:"data_retention_days"`
	AuditLogEnabled        *bool   `json:"audit_log_enabled"`
	EncryptionEnabled      *bool   `json:"encryption_enabled"`
	NotifyOnSettingsChange *bool   `json:"notify_on_settings_change"`
	MaintenanceMode        *bool   `json:"maintenance_mode"`
	MaintenanceMessage     *string `json:"maintenance_message"`
}

func (req updateSettingsRequest) toUpdate() policy.SettingsUpdate {
	return policy.SettingsUpdate{
		PasswordMinLength:        req.PasswordMinLength,
		PasswordRequireUppercase: req.PasswordRequireUppercase,
		PasswordRequireLowercase: req.PasswordRequireLowercase,
		PasswordRequireNumbers:   req.PasswordRequireNumbers,
		PasswordRequireSpecial:   req.PasswordRequireSpecial,
		PasswordExpirationDays:   req.PasswordExpirationDays,
		PasswordHistoryCount:     req.PasswordHistoryCount,
		MaxLoginAttempts:         req.MaxLoginAttempts,
		LockoutDurationMinutes:   req.LockoutDurationMinutes,
		SessionTimeoutMinutes:    req.SessionTimeoutMinutes,
		TwoFactorRequired:        req.TwoFactorRequired,
		AllowedEmailDomains:      req.AllowedEmailDomains,
		BlockedEmailDomains:      req.BlockedEmailDomains,
		AllowedIPs:               req.AllowedIPs,
		BlockedIPs:               req.BlockedIPs,
		DataRetentionDays:        req.DataRetentionDays,
		AuditLogEnabled:          req.AuditLogEnabled,
		EncryptionEnabled:        req.EncryptionEnabled,
		NotifyOnSettingsChange:   req.NotifyOnSettingsChange,
		MaintenanceMode:          req.MaintenanceMode,
		MaintenanceMessage:       req.MaintenanceMessage,
	}
}

type validatePasswordRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type validatePasswordResponse struct {
	Valid      bool               `json:"valid"`
	Violations []policy.Violation `json:"violations,omitempty"`
}

type sessionCheckRequest struct {
	LastActivity time.Time `json:"last_activity"`
}

type sessionCheckResponse struct {
	Expired bool `json:"expired"`
}

func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/organizations/")
	if len(parts) != 2 || parts[1] != "settings" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	orgID := parts[0]
	if !a.ensureOrganization(w, r, orgID) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, err := a.settings.GetSettings(r.Context(), orgID)
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPatch:
		callerID, _, ok := a.caller(w, r)
		if !ok {
			return
		}
		if !a.ensurePermission(w, r, "security", "manage") {
			return
		}
		var req updateSettingsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		settings, effect, err := a.settings.UpdateSettings(r.Context(), orgID, req.toUpdate())
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		effect.RunAsync()
		a.events.BestEffort(r.Context(), seclog.Event{
			OrganizationID: orgID,
			Type:           seclog.EventSettingsChanged,
			ActorUserID:    callerID,
			Description:    "security settings updated",
			IPAddress:      clientIP(r),
			Success:        true,
		})
		a.audit(r.Context(), "policy.settings.update", map[string]any{"organization_id": orgID})
		writeJSON(w, http.StatusOK, settings)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch)
	}
}

// handlePasswordValidate evaluates a candidate password against the
// caller's organization policy and, when a user is named, the stored
// password history. Every failed rule is reported, not just the first.
func (a *API) handlePasswordValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req validatePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "password is required")
		return
	}
	settings, err := a.settings.GetSettings(r.Context(), orgID)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	violations := policy.ValidatePassword(settings, req.Password)
	if len(violations) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validatePasswordResponse{Violations: violations})
		return
	}
	if userID := strings.TrimSpace(req.UserID); userID != "" && a.passwords != nil {
		err := a.passwords.CheckPasswordHistory(r.Context(), orgID, userID, req.Password)
		switch {
		case errors.Is(err, policy.ErrPasswordReused):
			writeJSON(w, http.StatusUnprocessableEntity, validatePasswordResponse{
				Violations: []policy.Violation{{Rule: "history", Message: "password was used recently"}},
			})
			return
		case err != nil:
			handlePolicyError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, validatePasswordResponse{Valid: true})
}

// handleSessionCheck reports whether a session idle since last_activity
// has outlived the organization's timeout.
func (a *API) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req sessionCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.LastActivity.IsZero() {
		writeError(w, r, http.StatusBadRequest, "last_activity is required")
		return
	}
	expired, err := a.settings.IsSessionExpired(r.Context(), orgID, req.LastActivity)
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionCheckResponse{Expired: expired})
}

func handlePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	var pve *policy.PolicyViolationError
	switch {
	case errors.As(err, &pve):
		writeJSON(w, http.StatusUnprocessableEntity, validatePasswordResponse{Violations: pve.Violations})
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "policy operation failed")
	}
}
