// Package seclog records security-relevant events into an append-only,
// organization-scoped log and enforces the retention policy over it.
package seclog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vantagecrm.org/internal/ids"
	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/policy"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// cleanupBatchSize bounds each delete statement so retention cleanup
	// never holds long locks on a busy log table.
	cleanupBatchSize = 500
)

// Store persists events. Append is the only write; DeleteOlderThan
// removes at most limit rows and reports how many went.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Find(ctx context.Context, organizationID, id string) (Event, error)
	List(ctx context.Context, f Filter) ([]Event, error)
	// Count returns the number of matching events, ignoring the
	// filter's Limit and Offset.
	Count(ctx context.Context, f Filter) (int64, error)
	DeleteOlderThan(ctx context.Context, organizationID string, cutoff time.Time, limit int) (int64, error)
}

// SettingsSource supplies the per-organization retention policy.
// *policy.Service satisfies it.
type SettingsSource interface {
	GetSettings(ctx context.Context, organizationID string) (policy.SecuritySettings, error)
}

// Service validates and records events.
type Service struct {
	store    Store
	settings SettingsSource
	now      func() time.Time
}

// Option customizes the service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the event log service.
func NewService(store Store, settings SettingsSource, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("seclog: store is required")
	}
	if settings == nil {
		return nil, errors.New("seclog: settings source is required")
	}
	s := &Service{store: store, settings: settings, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RecordEvent validates and appends one event. The ID and timestamp are
// assigned here; callers never set them.
func (s *Service) RecordEvent(ctx context.Context, e Event) (Event, error) {
	e.OrganizationID = strings.TrimSpace(e.OrganizationID)
	if e.OrganizationID == "" {
		return Event{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	sev, known := defaultSeverity[e.Type]
	if !known {
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, e.Type)
	}
	if e.Severity == "" {
		e.Severity = sev
	}
	if !e.Severity.Valid() {
		return Event{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, e.Severity)
	}
	if err := validateMetadata(e.Type, e.Metadata); err != nil {
		return Event{}, err
	}

	e.ID = ids.New()
	e.CreatedAt = s.now().UTC()
	if err := s.store.Append(ctx, &e); err != nil {
		return Event{}, fmt.Errorf("seclog: append event: %w", err)
	}
	obs.CountSecurityEvent(string(e.Type), string(e.Severity))
	return e, nil
}

// BestEffort records an event for an operation that must not fail on a
// logging error. The failure goes to the process log instead.
func (s *Service) BestEffort(ctx context.Context, e Event) {
	if _, err := s.RecordEvent(ctx, e); err != nil {
		obs.LogEvent(map[string]any{
			"level":      "warn",
			"msg":        "security event dropped",
			"event_type": string(e.Type),
			"org_id":     e.OrganizationID,
			"error":      err.Error(),
		})
	}
}

// FindEvent returns one event scoped to its organization.
func (s *Service) FindEvent(ctx context.Context, organizationID, id string) (Event, error) {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(id) == "" {
		return Event{}, fmt.Errorf("%w: organization_id and id are required", ErrInvalidInput)
	}
	return s.store.Find(ctx, organizationID, id)
}

// ListEvents returns events matching the filter, newest first unless
// the filter asks for ascending order. The limit is clamped.
func (s *Service) ListEvents(ctx context.Context, f Filter) ([]Event, error) {
	if strings.TrimSpace(f.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	for _, sev := range f.Severities {
		if !sev.Valid() {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, sev)
		}
	}
	for _, typ := range f.Types {
		if _, known := defaultSeverity[typ]; !known {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, typ)
		}
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.List(ctx, f)
}

// CountEvents returns how many events match the filter. Unlike
// ListEvents it is never clamped, so window recounts (lockout
// thresholds above the page size included) stay exact.
func (s *Service) CountEvents(ctx context.Context, f Filter) (int64, error) {
	if strings.TrimSpace(f.OrganizationID) == "" {
		return 0, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	for _, sev := range f.Severities {
		if !sev.Valid() {
			return 0, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, sev)
		}
	}
	for _, typ := range f.Types {
		if _, known := defaultSeverity[typ]; !known {
			return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, typ)
		}
	}
	f.Limit = 0
	f.Offset = 0
	return s.store.Count(ctx, f)
}

// CleanupOldEvents deletes events older than the organization's data
// retention window, in bounded batches. It returns the total deleted.
func (s *Service) CleanupOldEvents(ctx context.Context, organizationID string) (int64, error) {
	if strings.TrimSpace(organizationID) == "" {
		return 0, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	settings, err := s.settings.GetSettings(ctx, organizationID)
	if err != nil {
		return 0, fmt.Errorf("seclog: load retention settings: %w", err)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -settings.RetentionDays())

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.store.DeleteOlderThan(ctx, organizationID, cutoff, cleanupBatchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("seclog: cleanup batch: %w", err)
		}
		if n < cleanupBatchSize {
			return total, nil
		}
	}
}
