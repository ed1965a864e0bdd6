package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vantagecrm.org/internal/ids"
	"vantagecrm.org/internal/notify"
	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
)

// EventLog is the slice of the event log service the guard needs.
// *seclog.Service satisfies it.
type EventLog interface {
	RecordEvent(ctx context.Context, e seclog.Event) (seclog.Event, error)
	BestEffort(ctx context.Context, e seclog.Event)
	ListEvents(ctx context.Context, f seclog.Filter) ([]seclog.Event, error)
	// CountEvents is unclamped, unlike the paginated ListEvents.
	CountEvents(ctx context.Context, f seclog.Filter) (int64, error)
}

// SettingsSource supplies the per-organization security policy.
// *policy.Service satisfies it.
type SettingsSource interface {
	GetSettings(ctx context.Context, organizationID string) (policy.SecuritySettings, error)
}

// Service is the lockout and alerting engine.
type Service struct {
	events    EventLog
	alerts    AlertStore
	rules     IPRuleStore
	stats     StatsStore
	settings  SettingsSource
	notifier  notify.Notifier
	alertSink func(Alert)
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithNotifier enables best-effort admin notifications on lockouts.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithAlertSink registers a callback invoked after every stored alert,
// used to push alerts to live subscribers. The callback must not block.
func WithAlertSink(fn func(Alert)) Option {
	return func(s *Service) { s.alertSink = fn }
}

// WithStatsStore enables GetSecurityStats.
func WithStatsStore(st StatsStore) Option {
	return func(s *Service) { s.stats = st }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the guard service.
func NewService(events EventLog, alerts AlertStore, rules IPRuleStore, settings SettingsSource, opts ...Option) (*Service, error) {
	if events == nil || alerts == nil || rules == nil || settings == nil {
		return nil, errors.New("guard: event log, alert store, ip rule store and settings source are required")
	}
	s := &Service{
		events:   events,
		alerts:   alerts,
		rules:    rules,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AttemptState describes the account after a failed login was counted.
type AttemptState struct {
	Attempts    int       `json:"attempts"`
	Locked      bool      `json:"locked"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// FailedLogin carries the context of one failed attempt.
type FailedLogin struct {
	OrganizationID string
	UserID         string
	Email          string
	IPAddress      string
	UserAgent      string
	Reason         string
}

// RegisterFailedLogin records one failed attempt and re-counts the
// sliding window. Crossing the configured maximum locks the account,
// appends a lockout event and raises an alert. The returned effect, if
// any, notifies admins; the caller runs it after its own work is done.
func (s *Service) RegisterFailedLogin(ctx context.Context, attempt FailedLogin) (AttemptState, *notify.Effect, error) {
	if strings.TrimSpace(attempt.OrganizationID) == "" || strings.TrimSpace(attempt.UserID) == "" {
		return AttemptState{}, nil, fmt.Errorf("%w: organization_id and user_id are required", ErrInvalidInput)
	}
	settings, err := s.settings.GetSettings(ctx, attempt.OrganizationID)
	if err != nil {
		return AttemptState{}, nil, fmt.Errorf("guard: load settings: %w", err)
	}

	meta := map[string]string{}
	if attempt.Email != "" {
		meta["email"] = attempt.Email
	}
	if attempt.Reason != "" {
		meta["reason"] = attempt.Reason
	}
	if _, err := s.events.RecordEvent(ctx, seclog.Event{
		OrganizationID: attempt.OrganizationID,
		Type:           seclog.EventLoginFailed,
		TargetUserID:   attempt.UserID,
		Description:    "failed login attempt",
		Metadata:       meta,
		IPAddress:      attempt.IPAddress,
		UserAgent:      attempt.UserAgent,
	}); err != nil {
		// The attempt must be counted before it can lock anything.
		return AttemptState{}, nil, err
	}

	now := s.now().UTC()
	start, err := s.lockoutWindowStart(ctx, attempt.OrganizationID, attempt.UserID, settings, now)
	if err != nil {
		return AttemptState{}, nil, err
	}
	failures, err := s.failedLoginCount(ctx, attempt.OrganizationID, attempt.UserID, start)
	if err != nil {
		return AttemptState{}, nil, err
	}
	state := AttemptState{Attempts: int(failures)}
	if state.Attempts < settings.MaxLoginAttempts {
		return state, nil, nil
	}
	state.Locked = true
	state.LockedUntil = now.Add(settings.LockoutWindow())

	// Lock exactly once, on the attempt that crosses the limit. Further
	// failures while locked keep the window sliding but raise nothing new.
	if state.Attempts > settings.MaxLoginAttempts {
		return state, nil, nil
	}

	s.events.BestEffort(ctx, seclog.Event{
		OrganizationID: attempt.OrganizationID,
		Type:           seclog.EventLoginLocked,
		TargetUserID:   attempt.UserID,
		Description:    "account locked after repeated failed logins",
		Metadata: map[string]string{
			"attempts":       strconv.Itoa(state.Attempts),
			"window_minutes": strconv.Itoa(settings.LockoutDurationMinutes),
		},
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
	})
	obs.CountLockout()

	alert := Alert{
		OrganizationID: attempt.OrganizationID,
		Type:           AlertMultipleFailedLogins,
		Severity:       seclog.SeverityHigh,
		Title:          "Multiple failed login attempts",
		Message:        fmt.Sprintf("Account %s was locked after %d failed login attempts.", attempt.UserID, state.Attempts),
		UserID:         attempt.UserID,
		IPAddress:      attempt.IPAddress,
		Metadata:       map[string]string{"attempts": strconv.Itoa(state.Attempts)},
	}
	if _, err := s.RaiseAlert(ctx, alert); err != nil {
		obs.LogEvent(map[string]any{
			"level":  "warn",
			"msg":    "lockout alert not raised",
			"org_id": attempt.OrganizationID,
			"error":  err.Error(),
		})
	}

	var effect *notify.Effect
	if s.notifier != nil {
		effect = notify.NewEffect(s.notifier, notify.Notification{
			Kind:    notify.KindAccountLocked,
			Subject: "Account locked",
			Body:    fmt.Sprintf("Account %s was locked after %d failed login attempts.", attempt.UserID, state.Attempts),
			Metadata: map[string]string{
				"organization_id": attempt.OrganizationID,
				"user_id":         attempt.UserID,
			},
		})
	}
	return state, effect, nil
}

// RegisterSuccessfulLogin appends a login_success event. Event log
// trouble never fails a login that already succeeded.
func (s *Service) RegisterSuccessfulLogin(ctx context.Context, organizationID, userID, email, ip, userAgent string) {
	meta := map[string]string{}
	if email != "" {
		meta["email"] = email
	}
	s.events.BestEffort(ctx, seclog.Event{
		OrganizationID: organizationID,
		Type:           seclog.EventLoginSuccess,
		TargetUserID:   userID,
		Metadata:       meta,
		IPAddress:      ip,
		UserAgent:      userAgent,
		Success:        true,
	})
}

// IsAccountLocked recounts the sliding window. An account is locked
// while the window holds at least the configured maximum of failures.
// An operator resolving the lockout alert resets the count, so only
// failures after the resolution are held against the account.
func (s *Service) IsAccountLocked(ctx context.Context, organizationID, userID string) (bool, error) {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: organization_id and user_id are required", ErrInvalidInput)
	}
	settings, err := s.settings.GetSettings(ctx, organizationID)
	if err != nil {
		return false, fmt.Errorf("guard: load settings: %w", err)
	}
	now := s.now().UTC()
	start, err := s.lockoutWindowStart(ctx, organizationID, userID, settings, now)
	if err != nil {
		return false, err
	}
	failures, err := s.failedLoginCount(ctx, organizationID, userID, start)
	if err != nil {
		return false, err
	}
	return failures >= int64(settings.MaxLoginAttempts), nil
}

// FindFailedLoginsByUser lists the user's failed attempts since the
// given time, newest first.
func (s *Service) FindFailedLoginsByUser(ctx context.Context, organizationID, userID string, since time.Time) ([]seclog.Event, error) {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: organization_id and user_id are required", ErrInvalidInput)
	}
	return s.events.ListEvents(ctx, seclog.Filter{
		OrganizationID: organizationID,
		Types:          []seclog.EventType{seclog.EventLoginFailed},
		TargetUserID:   userID,
		Since:          since,
	})
}

// FindSuspiciousActivity lists the high-signal events an operator
// reviews first: flagged activity, denied access and lockouts.
func (s *Service) FindSuspiciousActivity(ctx context.Context, organizationID string, since time.Time) ([]seclog.Event, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	return s.events.ListEvents(ctx, seclog.Filter{
		OrganizationID: organizationID,
		Types: []seclog.EventType{
			seclog.EventSuspiciousActivity,
			seclog.EventUnauthorizedAccess,
			seclog.EventLoginLocked,
		},
		Since: since,
	})
}

// GetSecurityStats aggregates the last 30 days unless since is set.
func (s *Service) GetSecurityStats(ctx context.Context, organizationID string, since time.Time) (SecurityStats, error) {
	if strings.TrimSpace(organizationID) == "" {
		return SecurityStats{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if s.stats == nil {
		return SecurityStats{}, errors.New("guard: stats store is not configured")
	}
	if since.IsZero() {
		since = s.now().UTC().AddDate(0, 0, -30)
	}
	stats, err := s.stats.SecurityStats(ctx, organizationID, since)
	if err != nil {
		return SecurityStats{}, fmt.Errorf("guard: aggregate stats: %w", err)
	}
	stats.OrganizationID = organizationID
	stats.Since = since
	return stats, nil
}

// lockoutWindowStart is the moment failures start counting: the
// trailing window edge, or the latest alert resolution when an operator
// manually reset the account inside the window.
func (s *Service) lockoutWindowStart(ctx context.Context, organizationID, userID string, settings policy.SecuritySettings, now time.Time) (time.Time, error) {
	start := now.Add(-settings.LockoutWindow())
	alert, err := s.alerts.LatestForUser(ctx, organizationID, userID, AlertMultipleFailedLogins)
	if errors.Is(err, ErrNotFound) {
		return start, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("guard: lookup lockout alert: %w", err)
	}
	if alert.Status == AlertResolved && alert.ResolvedAt != nil && alert.ResolvedAt.After(start) {
		return *alert.ResolvedAt, nil
	}
	return start, nil
}

// failedLoginCount counts through the unclamped path: a paginated
// listing would saturate at the page size and a threshold above it
// could never be crossed.
func (s *Service) failedLoginCount(ctx context.Context, organizationID, userID string, since time.Time) (int64, error) {
	failures, err := s.events.CountEvents(ctx, seclog.Filter{
		OrganizationID: organizationID,
		Types:          []seclog.EventType{seclog.EventLoginFailed},
		TargetUserID:   userID,
		Since:          since,
	})
	if err != nil {
		return 0, fmt.Errorf("guard: count failed logins: %w", err)
	}
	return failures, nil
}

func newID() string {
	return ids.New()
}
