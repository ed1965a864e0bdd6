package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"vantagecrm.org/internal/access"
	"vantagecrm.org/internal/audit"
	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
	"vantagecrm.org/internal/stream"
)

// ReadyProbe is a simple readiness check (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options tunes the transport middleware.
type Options struct {
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	MaxBodyBytes       int64
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitBurst     int
	TokenTTL           time.Duration
}

// Deps carries the services the HTTP layer exposes.
type Deps struct {
	ReadyProbe ReadyProbe
	Version    string

	Resolver  *access.Resolver
	Admin     *access.Admin
	Settings  *policy.Service
	Passwords *policy.Passwords
	Events    *seclog.Service
	Guard     *guard.Service
	Authn     *guard.Authenticator
	Alerts    *stream.Stream

	Options Options
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	resolver  *access.Resolver
	admin     *access.Admin
	settings  *policy.Service
	passwords *policy.Passwords
	events    *seclog.Service
	guard     *guard.Service
	authn     *guard.Authenticator
	alerts    *stream.Stream

	opts Options
}

func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: deps.ReadyProbe,
		version:    deps.Version,
		resolver:   deps.Resolver,
		admin:      deps.Admin,
		settings:   deps.Settings,
		passwords:  deps.Passwords,
		events:     deps.Events,
		guard:      deps.Guard,
		authn:      deps.Authn,
		alerts:     deps.Alerts,
		opts:       deps.Options,
	}
	if a.opts.MaxBodyBytes <= 0 {
		a.opts.MaxBodyBytes = 1 << 20
	}
	if a.opts.TokenTTL <= 0 {
		a.opts.TokenTTL = 24 * time.Hour
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// login and token issuance
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	// permission resolution
	a.mux.HandleFunc("/v1/authz/check", a.handleAuthzCheck)

	// permission and role administration
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/permissions/", a.handlePermissionResource)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// per-organization security policy
	a.mux.HandleFunc("/v1/organizations/", a.handleOrganizationScoped)

	// password policy evaluation
	a.mux.HandleFunc("/v1/password/validate", a.handlePasswordValidate)

	// session expiry evaluation
	a.mux.HandleFunc("/v1/sessions/check", a.handleSessionCheck)

	// security event log
	a.mux.HandleFunc("/v1/events", a.handleEvents)
	a.mux.HandleFunc("/v1/events/cleanup", a.handleEventsCleanup)
	a.mux.HandleFunc("/v1/events/", a.handleEventResource)

	// alerts and IP rules
	a.mux.HandleFunc("/v1/alerts", a.handleAlerts)
	a.mux.HandleFunc("/v1/alerts/stream", a.StreamAlerts)
	a.mux.HandleFunc("/v1/alerts/", a.handleAlertResource)
	a.mux.HandleFunc("/v1/ip-rules", a.handleIPRules)
	a.mux.HandleFunc("/v1/ip-rules/check", a.handleIPCheck)
	a.mux.HandleFunc("/v1/ip-rules/", a.handleIPRuleResource)

	// aggregate stats
	a.mux.HandleFunc("/v1/stats", a.handleStats)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = Logging(h)
	h = RequestID(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	if a.opts.RateLimitEnabled {
		h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitPerMinute)
	}
	h = CORS(h, a.opts.CORSAllowedOrigins, a.opts.CORSAllowedMethods)
	h = SecurityHeaders(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vantage-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "vantage-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit writes an audit trail entry; failures are logged by the audit
// package itself and never fail the request.
func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// splitPath trims the prefix and returns the remaining path segments.
func splitPath(r *http.Request, prefix string) []string {
	path := strings.TrimPrefix(r.URL.Path, prefix)
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
