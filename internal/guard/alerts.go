package guard

import (
	"context"
	"fmt"
	"strings"

	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/seclog"
)

// RaiseAlert validates and stores a new open alert.
func (s *Service) RaiseAlert(ctx context.Context, a Alert) (Alert, error) {
	a.OrganizationID = strings.TrimSpace(a.OrganizationID)
	if a.OrganizationID == "" {
		return Alert{}, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	switch a.Type {
	case AlertMultipleFailedLogins, AlertSuspiciousIP, AlertUnauthorizedAccess:
	default:
		return Alert{}, fmt.Errorf("%w: unknown alert type %q", ErrInvalidInput, a.Type)
	}
	if strings.TrimSpace(a.Title) == "" {
		return Alert{}, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if a.Severity == "" {
		a.Severity = seclog.SeverityMedium
	}
	if !a.Severity.Valid() {
		return Alert{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, a.Severity)
	}

	a.ID = newID()
	a.Status = AlertOpen
	a.ResolvedBy = ""
	a.ResolvedAt = nil
	a.CreatedAt = s.now().UTC()
	if err := s.alerts.Create(ctx, &a); err != nil {
		return Alert{}, fmt.Errorf("guard: create alert: %w", err)
	}
	obs.CountAlert(string(a.Type))
	if s.alertSink != nil {
		s.alertSink(a)
	}
	return a, nil
}

// GetAlert returns one alert scoped to its organization.
func (s *Service) GetAlert(ctx context.Context, organizationID, id string) (Alert, error) {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(id) == "" {
		return Alert{}, fmt.Errorf("%w: organization_id and id are required", ErrInvalidInput)
	}
	return s.alerts.Find(ctx, organizationID, id)
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *Service) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	if strings.TrimSpace(f.OrganizationID) == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	if f.Status != "" && f.Status != AlertOpen && f.Status != AlertResolved {
		return nil, fmt.Errorf("%w: unknown alert status %q", ErrInvalidInput, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.alerts.List(ctx, f)
}

// ResolveAlert transitions an open alert to resolved. Resolution is
// terminal: resolving twice returns ErrConflict. Resolving a lockout
// alert also acts as a manual account unlock.
func (s *Service) ResolveAlert(ctx context.Context, organizationID, id, resolvedBy string) (Alert, error) {
	if strings.TrimSpace(organizationID) == "" || strings.TrimSpace(id) == "" {
		return Alert{}, fmt.Errorf("%w: organization_id and id are required", ErrInvalidInput)
	}
	resolvedBy = strings.TrimSpace(resolvedBy)
	if resolvedBy == "" {
		return Alert{}, fmt.Errorf("%w: resolved_by is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	if err := s.alerts.MarkResolved(ctx, organizationID, id, resolvedBy, now); err != nil {
		return Alert{}, err
	}
	return s.alerts.Find(ctx, organizationID, id)
}
