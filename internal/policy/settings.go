package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vantagecrm.org/internal/notify"
)

var (
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrNotFound     = errors.New("policy: not found")
	ErrConflict     = errors.New("policy: resource conflict")
)

// Default values applied when an organization's settings are created
// lazily on first access.
const (
	DefaultPasswordMinLength     = 8
	DefaultMaxLoginAttempts      = 5
	DefaultLockoutDurationMin    = 30
	DefaultSessionTimeoutMinutes = 24 * 60
	// DefaultDataRetentionDays is also the floor: retention can be raised
	// per organization but never drops below it.
	DefaultDataRetentionDays = 30
)

// SecuritySettings is the per-organization security policy record.
type SecuritySettings struct {
	OrganizationID string `json:"organization_id"`

	PasswordMinLength        int  `json:"password_min_length"`
	PasswordRequireUppercase bool `json:"password_require_uppercase"`
	PasswordRequireLowercase bool `json:"password_require_lowercase"`
	PasswordRequireNumbers   bool `json:"password_require_numbers"`
	PasswordRequireSpecial   bool `json:"password_require_special"`
	// PasswordExpirationDays of zero disables expiration.
	PasswordExpirationDays int `json:"password_expiration_days"`
	// PasswordHistoryCount of zero disables the reuse check.
	PasswordHistoryCount int `json:"password_history_count"`

	MaxLoginAttempts       int  `json:"max_login_attempts"`
	LockoutDurationMinutes int  `json:"lockout_duration_minutes"`
	SessionTimeoutMinutes  int  `json:"session_timeout_minutes"`
	TwoFactorRequired      bool `json:"two_factor_required"`

	AllowedEmailDomains []string `json:"allowed_email_domains,omitempty"`
	BlockedEmailDomains []string `json:"blocked_email_domains,omitempty"`
	AllowedIPs          []string `json:"allowed_ips,omitempty"`
	BlockedIPs          []string `json:"blocked_ips,omitempty"`

	DataRetentionDays      int    `json:"data_retention_days"`
	AuditLogEnabled        bool   `json:"audit_log_enabled"`
	EncryptionEnabled      bool   `json:"encryption_enabled"`
	NotifyOnSettingsChange bool   `json:"notify_on_settings_change"`
	MaintenanceMode        bool   `json:"maintenance_mode"`
	MaintenanceMessage     string `json:"maintenance_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LockoutWindow is the trailing interval over which failed logins are
// counted. The source conflates the attempt window with the re-enable
// delay; both read this single value so a future split touches one place.
func (s SecuritySettings) LockoutWindow() time.Duration {
	return time.Duration(s.LockoutDurationMinutes) * time.Minute
}

// SessionTimeout returns the configured idle timeout.
func (s SecuritySettings) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMinutes) * time.Minute
}

// RetentionDays returns the retention period clamped to the floor.
func (s SecuritySettings) RetentionDays() int {
	if s.DataRetentionDays < DefaultDataRetentionDays {
		return DefaultDataRetentionDays
	}
	return s.DataRetentionDays
}

// DefaultSettings returns the settings record created lazily for an
// organization that has none.
func DefaultSettings(organizationID string, now time.Time) SecuritySettings {
	return SecuritySettings{
		OrganizationID:           organizationID,
		PasswordMinLength:        DefaultPasswordMinLength,
		PasswordRequireUppercase: true,
		PasswordRequireLowercase: true,
		PasswordRequireNumbers:   true,
		PasswordRequireSpecial:   false,
		PasswordExpirationDays:   0,
		PasswordHistoryCount:     0,
		MaxLoginAttempts:         DefaultMaxLoginAttempts,
		LockoutDurationMinutes:   DefaultLockoutDurationMin,
		SessionTimeoutMinutes:    DefaultSessionTimeoutMinutes,
		TwoFactorRequired:        false,
		DataRetentionDays:        DefaultDataRetentionDays,
		AuditLogEnabled:          true,
		EncryptionEnabled:        false,
		NotifyOnSettingsChange:   true,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

// SettingsUpdate carries optional field changes; only provided fields
// are merged into the stored record.
type SettingsUpdate struct {
	PasswordMinLength        *int
	PasswordRequireUppercase *bool
	PasswordRequireLowercase *bool
	PasswordRequireNumbers   *bool
	PasswordRequireSpecial   *bool
	PasswordExpirationDays   *int
	PasswordHistoryCount     *int

	MaxLoginAttempts       *int
	LockoutDurationMinutes *int
	SessionTimeoutMinutes  *int
	TwoFactorRequired      *bool

	AllowedEmailDomains *[]string
	BlockedEmailDomains *[]string
	AllowedIPs          *[]string
	BlockedIPs          *[]string

	DataRetentionDays      *int
	AuditLogEnabled        *bool
	EncryptionEnabled      *bool
	NotifyOnSettingsChange *bool
	MaintenanceMode        *bool
	MaintenanceMessage     *string
}

func (u SecuritySettings) apply(upd SettingsUpdate) SecuritySettings {
	if upd.PasswordMinLength != nil {
		u.PasswordMinLength = *upd.PasswordMinLength
	}
	if upd.PasswordRequireUppercase != nil {
		u.PasswordRequireUppercase = *upd.PasswordRequireUppercase
	}
	if upd.PasswordRequireLowercase != nil {
		u.PasswordRequireLowercase = *upd.PasswordRequireLowercase
	}
	if upd.PasswordRequireNumbers != nil {
		u.PasswordRequireNumbers = *upd.PasswordRequireNumbers
	}
	if upd.PasswordRequireSpecial != nil {
		u.PasswordRequireSpecial = *upd.PasswordRequireSpecial
	}
	if upd.PasswordExpirationDays != nil {
		u.PasswordExpirationDays = *upd.PasswordExpirationDays
	}
	if upd.PasswordHistoryCount != nil {
		u.PasswordHistoryCount = *upd.PasswordHistoryCount
	}
	if upd.MaxLoginAttempts != nil {
		u.MaxLoginAttempts = *upd.MaxLoginAttempts
	}
	if upd.LockoutDurationMinutes != nil {
		u.LockoutDurationMinutes = *upd.LockoutDurationMinutes
	}
	if upd.SessionTimeoutMinutes != nil {
		u.SessionTimeoutMinutes = *upd.SessionTimeoutMinutes
	}
	if upd.TwoFactorRequired != nil {
		u.TwoFactorRequired = *upd.TwoFactorRequired
	}
	if upd.AllowedEmailDomains != nil {
		u.AllowedEmailDomains = normalizeDomains(*upd.AllowedEmailDomains)
	}
	if upd.BlockedEmailDomains != nil {
		u.BlockedEmailDomains = normalizeDomains(*upd.BlockedEmailDomains)
	}
	if upd.AllowedIPs != nil {
		u.AllowedIPs = append([]string(nil), *upd.AllowedIPs...)
	}
	if upd.BlockedIPs != nil {
		u.BlockedIPs = append([]string(nil), *upd.BlockedIPs...)
	}
	if upd.DataRetentionDays != nil {
		u.DataRetentionDays = *upd.DataRetentionDays
	}
	if upd.AuditLogEnabled != nil {
		u.AuditLogEnabled = *upd.AuditLogEnabled
	}
	if upd.EncryptionEnabled != nil {
		u.EncryptionEnabled = *upd.EncryptionEnabled
	}
	if upd.NotifyOnSettingsChange != nil {
		u.NotifyOnSettingsChange = *upd.NotifyOnSettingsChange
	}
	if upd.MaintenanceMode != nil {
		u.MaintenanceMode = *upd.MaintenanceMode
	}
	if upd.MaintenanceMessage != nil {
		u.MaintenanceMessage = strings.TrimSpace(*upd.MaintenanceMessage)
	}
	return u
}

func (upd SettingsUpdate) validate() error {
	if upd.PasswordMinLength != nil && *upd.PasswordMinLength < 1 {
		return fmt.Errorf("%w: password_min_length must be positive", ErrInvalidInput)
	}
	if upd.PasswordExpirationDays != nil && *upd.PasswordExpirationDays < 0 {
		return fmt.Errorf("%w: password_expiration_days must not be negative", ErrInvalidInput)
	}
	if upd.PasswordHistoryCount != nil && *upd.PasswordHistoryCount < 0 {
		return fmt.Errorf("%w: password_history_count must not be negative", ErrInvalidInput)
	}
	if upd.MaxLoginAttempts != nil && *upd.MaxLoginAttempts < 1 {
		return fmt.Errorf("%w: max_login_attempts must be positive", ErrInvalidInput)
	}
	if upd.LockoutDurationMinutes != nil && *upd.LockoutDurationMinutes < 1 {
		return fmt.Errorf("%w: lockout_duration_minutes must be positive", ErrInvalidInput)
	}
	if upd.SessionTimeoutMinutes != nil && *upd.SessionTimeoutMinutes < 1 {
		return fmt.Errorf("%w: session_timeout_minutes must be positive", ErrInvalidInput)
	}
	if upd.DataRetentionDays != nil && *upd.DataRetentionDays < DefaultDataRetentionDays {
		return fmt.Errorf("%w: data_retention_days must be at least %d", ErrInvalidInput, DefaultDataRetentionDays)
	}
	return nil
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	var out []string
	for _, d := range domains {
		d = strings.TrimSpace(strings.ToLower(d))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// SettingsStore persists SecuritySettings, one record per organization.
type SettingsStore interface {
	Get(ctx context.Context, organizationID string) (SecuritySettings, error)
	Create(ctx context.Context, s *SecuritySettings) error
	Update(ctx context.Context, organizationID string, upd SettingsUpdate) (SecuritySettings, error)
}

// OrganizationDirectory confirms organizations exist before settings
// operations touch them.
type OrganizationDirectory interface {
	OrganizationExists(ctx context.Context, id string) (bool, error)
}

// Service exposes get/update/create-default over SecuritySettings. It
// does not authorize: callers compose it with the resolution engine.
type Service struct {
	store    SettingsStore
	orgs     OrganizationDirectory
	notifier notify.Notifier
	now      func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithOrganizationDirectory enables existence checks before writes.
func WithOrganizationDirectory(d OrganizationDirectory) ServiceOption {
	return func(s *Service) { s.orgs = d }
}

// WithNotifier enables best-effort admin notifications on changes.
func WithNotifier(n notify.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a settings Service.
func NewService(store SettingsStore, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("policy: settings store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetSettings returns the organization's settings, creating the default
// record on first access.
func (s *Service) GetSettings(ctx context.Context, organizationID string) (SecuritySettings, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return SecuritySettings{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	settings, err := s.store.Get(ctx, organizationID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return SecuritySettings{}, err
	}
	return s.CreateDefaultSettings(ctx, organizationID)
}

// CreateDefaultSettings writes the default record for an organization.
// A concurrent creator winning the race is not an error: the stored
// record is re-read and returned.
func (s *Service) CreateDefaultSettings(ctx context.Context, organizationID string) (SecuritySettings, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return SecuritySettings{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if err := s.ensureOrganization(ctx, organizationID); err != nil {
		return SecuritySettings{}, err
	}
	settings := DefaultSettings(organizationID, s.now().UTC())
	if err := s.store.Create(ctx, &settings); err != nil {
		if errors.Is(err, ErrConflict) {
			return s.store.Get(ctx, organizationID)
		}
		return SecuritySettings{}, err
	}
	return settings, nil
}

// UpdateSettings merges the provided fields into the stored record and
// returns the updated settings together with an optional notification
// effect. The effect must be run by the caller after the update has
// committed; its failure is logged, never propagated.
func (s *Service) UpdateSettings(ctx context.Context, organizationID string, upd SettingsUpdate) (SecuritySettings, *notify.Effect, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return SecuritySettings{}, nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if err := upd.validate(); err != nil {
		return SecuritySettings{}, nil, err
	}
	// Ensure the record exists so a partial update has a base to merge into.
	if _, err := s.GetSettings(ctx, organizationID); err != nil {
		return SecuritySettings{}, nil, err
	}
	updated, err := s.store.Update(ctx, organizationID, upd)
	if err != nil {
		return SecuritySettings{}, nil, err
	}
	var effect *notify.Effect
	if s.notifier != nil && updated.NotifyOnSettingsChange {
		effect = notify.NewEffect(s.notifier, notify.Notification{
			Kind:    notify.KindSettingsChanged,
			Subject: "Security settings changed",
			Body:    fmt.Sprintf("Security settings for organization %s were updated.", organizationID),
			Metadata: map[string]string{
				"organization_id": organizationID,
			},
		})
	}
	return updated, effect, nil
}

// IsSessionExpired reports whether a session idle since lastActivity has
// outlived the organization's timeout.
func (s *Service) IsSessionExpired(ctx context.Context, organizationID string, lastActivity time.Time) (bool, error) {
	settings, err := s.GetSettings(ctx, organizationID)
	if err != nil {
		return false, err
	}
	return SessionExpired(settings, lastActivity, s.now()), nil
}

// SessionExpired is the pure comparison behind IsSessionExpired.
func SessionExpired(settings SecuritySettings, lastActivity, now time.Time) bool {
	return now.Sub(lastActivity) > settings.SessionTimeout()
}

// EmailDomainAllowed evaluates the organization's email domain lists.
// A block entry wins over an allow entry; an empty allow list admits
// every domain not blocked.
func EmailDomainAllowed(settings SecuritySettings, email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, blocked := range settings.BlockedEmailDomains {
		if domain == blocked {
			return false
		}
	}
	if len(settings.AllowedEmailDomains) == 0 {
		return true
	}
	for _, allowed := range settings.AllowedEmailDomains {
		if domain == allowed {
			return true
		}
	}
	return false
}

func (s *Service) ensureOrganization(ctx context.Context, organizationID string) error {
	if s.orgs == nil {
		return nil
	}
	ok, err := s.orgs.OrganizationExists(ctx, organizationID)
	if err != nil {
		return fmt.Errorf("policy: organization lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, organizationID)
	}
	return nil
}
