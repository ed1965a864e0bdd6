package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"vantagecrm.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := token.ParseAndValidate(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := token.ContextWithUser(r.Context(), claims.Subject, claims.OrganizationID, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the authenticated user and organization, failing the
// request when either is missing.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (userID, orgID string, ok bool) {
	userID, uok := token.UserIDFromContext(r.Context())
	orgID, ook := token.OrganizationFromContext(r.Context())
	if !uok || !ook {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", "", false
	}
	return userID, orgID, true
}

// ensurePermission gates a handler on the caller holding an active grant
// for the (resource, action) pair. The check fails closed: a resolution
// error denies and reports 500.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	userID, _, ok := a.caller(w, r)
	if !ok {
		return false
	}
	if a.resolver == nil {
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
		return false
	}
	allowed, err := a.resolver.CheckPermission(r.Context(), userID, resource, action, "")
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization check failed")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

// ensureOrganization rejects requests that address an organization other
// than the caller's.
func (a *API) ensureOrganization(w http.ResponseWriter, r *http.Request, orgID string) bool {
	_, callerOrg, ok := a.caller(w, r)
	if !ok {
		return false
	}
	if callerOrg != orgID {
		writeError(w, r, http.StatusForbidden, "organization mismatch")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
