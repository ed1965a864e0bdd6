package guard

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vantagecrm.org/internal/notify"
	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
)

// fakeClock lets tests move time forward between calls.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memEventStore backs a real seclog.Service so the guard is exercised
// through the same log it uses in production.
type memEventStore struct {
	events []seclog.Event
}

func (m *memEventStore) Append(_ context.Context, e *seclog.Event) error {
	m.events = append(m.events, *e)
	return nil
}

func (m *memEventStore) Find(_ context.Context, organizationID, id string) (seclog.Event, error) {
	for _, e := range m.events {
		if e.OrganizationID == organizationID && e.ID == id {
			return e, nil
		}
	}
	return seclog.Event{}, seclog.ErrNotFound
}

func (m *memEventStore) List(_ context.Context, f seclog.Filter) ([]seclog.Event, error) {
	var out []seclog.Event
	for _, e := range m.events {
		if e.OrganizationID != f.OrganizationID {
			continue
		}
		if len(f.Types) > 0 && !eventTypeIn(f.Types, e.Type) {
			continue
		}
		if f.TargetUserID != "" && e.TargetUserID != f.TargetUserID {
			continue
		}
		if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.SortAsc {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memEventStore) Count(ctx context.Context, f seclog.Filter) (int64, error) {
	f.Limit = 0
	f.Offset = 0
	matched, err := m.List(ctx, f)
	return int64(len(matched)), err
}

func (m *memEventStore) DeleteOlderThan(_ context.Context, organizationID string, cutoff time.Time, limit int) (int64, error) {
	var kept []seclog.Event
	var deleted int64
	for _, e := range m.events {
		if deleted < int64(limit) && e.OrganizationID == organizationID && e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func (m *memEventStore) countByType(t seclog.EventType) int {
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func eventTypeIn(types []seclog.EventType, t seclog.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

type memAlertStore struct {
	alerts []Alert
}

func (m *memAlertStore) Create(_ context.Context, a *Alert) error {
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *memAlertStore) Find(_ context.Context, organizationID, id string) (Alert, error) {
	for _, a := range m.alerts {
		if a.OrganizationID == organizationID && a.ID == id {
			return a, nil
		}
	}
	return Alert{}, ErrNotFound
}

func (m *memAlertStore) List(_ context.Context, f AlertFilter) ([]Alert, error) {
	var out []Alert
	for _, a := range m.alerts {
		if a.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memAlertStore) MarkResolved(_ context.Context, organizationID, id, resolvedBy string, at time.Time) error {
	for i, a := range m.alerts {
		if a.OrganizationID != organizationID || a.ID != id {
			continue
		}
		if a.Status == AlertResolved {
			return ErrConflict
		}
		m.alerts[i].Status = AlertResolved
		m.alerts[i].ResolvedBy = resolvedBy
		m.alerts[i].ResolvedAt = &at
		return nil
	}
	return ErrNotFound
}

func (m *memAlertStore) LatestForUser(_ context.Context, organizationID, userID string, typ AlertType) (Alert, error) {
	var best *Alert
	for i := range m.alerts {
		a := &m.alerts[i]
		if a.OrganizationID != organizationID || a.UserID != userID || a.Type != typ {
			continue
		}
		if best == nil || !a.CreatedAt.Before(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return Alert{}, ErrNotFound
	}
	return *best, nil
}

type memIPRuleStore struct {
	rules []IPRule
}

func (m *memIPRuleStore) Create(_ context.Context, r *IPRule) error {
	m.rules = append(m.rules, *r)
	return nil
}

func (m *memIPRuleStore) Delete(_ context.Context, organizationID, id string) error {
	for i, r := range m.rules {
		if r.OrganizationID == organizationID && r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memIPRuleStore) List(_ context.Context, organizationID string) ([]IPRule, error) {
	var out []IPRule
	for _, r := range m.rules {
		if r.OrganizationID == organizationID {
			out = append(out, r)
		}
	}
	return out, nil
}

type captureNotifier struct {
	sent []notify.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n notify.Notification) error {
	c.sent = append(c.sent, n)
	return nil
}

// settingsStub hands back one mutable settings record.
type settingsStub struct {
	settings policy.SecuritySettings
}

func (s *settingsStub) GetSettings(context.Context, string) (policy.SecuritySettings, error) {
	return s.settings, nil
}

type guardFixture struct {
	clock    *fakeClock
	events   *memEventStore
	alerts   *memAlertStore
	rules    *memIPRuleStore
	settings *settingsStub
	log      *seclog.Service
	guard    *Service
}

func newGuardFixture(t *testing.T, opts ...Option) *guardFixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)}
	settings := &settingsStub{settings: policy.DefaultSettings("org-1", clock.Now())}
	events := &memEventStore{}
	log, err := seclog.NewService(events, settings, seclog.WithClock(clock.Now))
	require.NoError(t, err)

	alerts := &memAlertStore{}
	rules := &memIPRuleStore{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	svc, err := NewService(log, alerts, rules, settings, opts...)
	require.NoError(t, err)

	return &guardFixture{
		clock:    clock,
		events:   events,
		alerts:   alerts,
		rules:    rules,
		settings: settings,
		log:      log,
		guard:    svc,
	}
}

func (f *guardFixture) failLogin(t *testing.T, userID string) AttemptState {
	t.Helper()
	state, _, err := f.guard.RegisterFailedLogin(context.Background(), FailedLogin{
		OrganizationID: "org-1",
		UserID:         userID,
		Email:          userID + "@corp.example",
		IPAddress:      "198.51.100.7",
	})
	require.NoError(t, err)
	return state
}
