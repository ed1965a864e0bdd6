// Package guard watches the login surface: it counts failed logins over
// a sliding window, locks accounts, raises alerts for operators, and
// evaluates per-organization IP rules.
package guard

import (
	"context"
	"errors"
	"time"

	"vantagecrm.org/internal/seclog"
)

var (
	ErrInvalidInput = errors.New("guard: invalid input")
	ErrNotFound     = errors.New("guard: not found")
	ErrConflict     = errors.New("guard: resource conflict")

	// ErrInvalidCredentials is the single outward answer for a wrong
	// password and an unknown account, so a caller cannot probe which
	// emails exist.
	ErrInvalidCredentials = errors.New("guard: invalid credentials")
	// ErrAccountLocked is distinct from ErrInvalidCredentials: the account
	// owner should be told to wait or contact an admin, not retry.
	ErrAccountLocked = errors.New("guard: account is locked")
	ErrIPBlocked     = errors.New("guard: ip address is not allowed")
)

// AlertStatus is the two-state alert lifecycle. Resolution is terminal.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "open"
	AlertResolved AlertStatus = "resolved"
)

// AlertType classifies what raised the alert.
type AlertType string

const (
	AlertMultipleFailedLogins AlertType = "multiple_failed_logins"
	AlertSuspiciousIP         AlertType = "suspicious_ip"
	AlertUnauthorizedAccess   AlertType = "unauthorized_access"
)

// Alert is an operator-facing security alert.
type Alert struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           AlertType         `json:"type"`
	Severity       seclog.Severity   `json:"severity"`
	Title          string            `json:"title"`
	Message        string            `json:"message,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         AlertStatus       `json:"status"`
	ResolvedBy     string            `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AlertFilter narrows alert listings. Zero values mean "any".
type AlertFilter struct {
	OrganizationID string
	Status         AlertStatus
	Type           AlertType
	UserID         string
	Limit          int
	Offset         int
}

// AlertStore persists alerts.
type AlertStore interface {
	Create(ctx context.Context, a *Alert) error
	Find(ctx context.Context, organizationID, id string) (Alert, error)
	List(ctx context.Context, f AlertFilter) ([]Alert, error)
	// MarkResolved transitions an open alert to resolved; resolving an
	// already resolved alert returns ErrConflict.
	MarkResolved(ctx context.Context, organizationID, id, resolvedBy string, at time.Time) error
	// LatestForUser returns the most recent alert of the given type for
	// the user, or ErrNotFound.
	LatestForUser(ctx context.Context, organizationID, userID string, typ AlertType) (Alert, error)
}

// IPRuleKind says whether a rule blocks or allows.
type IPRuleKind string

const (
	IPRuleBlock IPRuleKind = "block"
	IPRuleAllow IPRuleKind = "allow"
)

// IPRule is one explicit address rule. CIDR holds either a single
// address or a prefix; single addresses are normalized to /32 (or /128)
// on create.
type IPRule struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Kind           IPRuleKind `json:"kind"`
	CIDR           string     `json:"cidr"`
	Reason         string     `json:"reason,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IPRuleStore persists IP rules.
type IPRuleStore interface {
	Create(ctx context.Context, r *IPRule) error
	Delete(ctx context.Context, organizationID, id string) error
	List(ctx context.Context, organizationID string) ([]IPRule, error)
}

// IPDecision is the outcome of an address check with its reason, so the
// denial can be logged and explained.
type IPDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// DailyCount is one point of the per-day event trend.
type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// UserActivity ranks a user by recorded event count.
type UserActivity struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// IPActivity ranks an address by recorded event count. Blocked reflects
// the address's current standing against the active block rules, not
// its standing when the events happened.
type IPActivity struct {
	IPAddress string `json:"ip_address"`
	Count     int64  `json:"count"`
	Blocked   bool   `json:"blocked"`
}

// TopActivityLimit caps the top-user and top-IP rankings. Stats stores
// apply it inside their aggregation queries.
const TopActivityLimit = 5

// SecurityStats is the aggregate view over the event log and alerts.
type SecurityStats struct {
	OrganizationID     string                     `json:"organization_id"`
	Since              time.Time                  `json:"since"`
	TotalEvents        int64                      `json:"total_events"`
	EventsByType       map[seclog.EventType]int64 `json:"events_by_type"`
	EventsBySeverity   map[seclog.Severity]int64  `json:"events_by_severity"`
	FailedLogins       int64                      `json:"failed_logins"`
	SuccessfulLogins   int64                      `json:"successful_logins"`
	AccountsLocked     int64                      `json:"accounts_locked"`
	SuspiciousActivity int64                      `json:"suspicious_activity"`
	CriticalEvents     int64                      `json:"critical_events"`
	OpenAlerts         int64                      `json:"open_alerts"`
	BlockRules         int64                      `json:"block_rules"`
	DailyTrend         []DailyCount               `json:"daily_trend"`
	TopUsers           []UserActivity             `json:"top_users"`
	TopIPs             []IPActivity               `json:"top_ips"`
}

// StatsStore aggregates in the database rather than in memory.
type StatsStore interface {
	SecurityStats(ctx context.Context, organizationID string, since time.Time) (SecurityStats, error)
}
