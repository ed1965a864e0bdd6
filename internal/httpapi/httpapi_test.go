package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"vantagecrm.org/internal/access"
	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/policy"
	"vantagecrm.org/internal/seclog"
	"vantagecrm.org/internal/stream"
	"vantagecrm.org/internal/token"
)

// --- in-memory access store ---

type memAccess struct {
	mu          sync.Mutex
	permissions map[string]access.Permission
	roles       map[string]access.Role
	rolePerms   map[string]map[string]struct{} // roleID -> permissionID set
	userRoles   map[string][]access.UserRole   // userID -> edges
	users       map[string]access.UserRef
}

func newMemAccess() *memAccess {
	return &memAccess{
		permissions: make(map[string]access.Permission),
		roles:       make(map[string]access.Role),
		rolePerms:   make(map[string]map[string]struct{}),
		userRoles:   make(map[string][]access.UserRole),
		users:       make(map[string]access.UserRef),
	}
}

func (m *memAccess) Create(ctx context.Context, p *access.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Resource == p.Resource && existing.Action == p.Action && existing.Scope == p.Scope {
			return access.ErrConflict
		}
	}
	m.permissions[p.ID] = *p
	return nil
}

func (m *memAccess) Find(ctx context.Context, id string) (access.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return access.Permission{}, access.ErrNotFound
	}
	return p, nil
}

func (m *memAccess) List(ctx context.Context) ([]access.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]access.Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAccess) Update(ctx context.Context, id string, upd access.PermissionUpdate) (access.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return access.Permission{}, access.ErrNotFound
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	m.permissions[id] = p
	return p, nil
}

func (m *memAccess) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[id]; !ok {
		return access.ErrNotFound
	}
	delete(m.permissions, id)
	for _, set := range m.rolePerms {
		delete(set, id)
	}
	return nil
}

// roleStore wraps memAccess so the two Create/Find/... method sets do
// not collide on one type.
type roleStore struct{ *memAccess }

func (m roleStore) Create(ctx context.Context, r *access.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == r.Name {
			return access.ErrConflict
		}
	}
	m.roles[r.ID] = *r
	return nil
}

func (m roleStore) Find(ctx context.Context, id string) (access.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return access.Role{}, access.ErrNotFound
	}
	return r, nil
}

func (m roleStore) List(ctx context.Context) ([]access.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]access.Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m roleStore) Update(ctx context.Context, id string, upd access.RoleUpdate) (access.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return access.Role{}, access.ErrNotFound
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	m.roles[id] = r
	return r, nil
}

func (m roleStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return access.ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	return nil
}

func (m roleStore) AddPermission(ctx context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return access.ErrNotFound
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return fmt.Errorf("%w: permission %s", access.ErrNotFound, permissionID)
	}
	set, ok := m.rolePerms[roleID]
	if !ok {
		set = make(map[string]struct{})
		m.rolePerms[roleID] = set
	}
	set[permissionID] = struct{}{}
	return nil
}

func (m roleStore) RemovePermission(ctx context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.rolePerms[roleID]
	if !ok {
		return access.ErrNotFound
	}
	if _, ok := set[permissionID]; !ok {
		return access.ErrNotFound
	}
	delete(set, permissionID)
	return nil
}

func (m roleStore) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return access.ErrNotFound
	}
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, ok := m.permissions[id]; !ok {
			return fmt.Errorf("%w: permission %s", access.ErrNotFound, id)
		}
		set[id] = struct{}{}
	}
	m.rolePerms[roleID] = set
	return nil
}

func (m roleStore) PermissionsForRole(ctx context.Context, roleID string) ([]access.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []access.Permission
	for id := range m.rolePerms[roleID] {
		if p, ok := m.permissions[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m roleStore) AssignToUser(ctx context.Context, edge access.UserRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[edge.RoleID]; !ok {
		return access.ErrNotFound
	}
	for _, existing := range m.userRoles[edge.UserID] {
		if existing.RoleID == edge.RoleID {
			return access.ErrConflict
		}
	}
	m.userRoles[edge.UserID] = append(m.userRoles[edge.UserID], edge)
	return nil
}

func (m roleStore) RemoveFromUser(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	edges := m.userRoles[userID]
	for i, edge := range edges {
		if edge.RoleID == roleID {
			m.userRoles[userID] = append(edges[:i], edges[i+1:]...)
			return nil
		}
	}
	return access.ErrNotFound
}

func (m roleStore) SetForUser(ctx context.Context, userID string, roleIDs []string, assignedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	edges := make([]access.UserRole, 0, len(roleIDs))
	for _, id := range roleIDs {
		if _, ok := m.roles[id]; !ok {
			return fmt.Errorf("%w: role %s", access.ErrNotFound, id)
		}
		edges = append(edges, access.UserRole{
			UserID: userID, RoleID: id, AssignedBy: assignedBy, AssignedAt: time.Now().UTC(),
		})
	}
	m.userRoles[userID] = edges
	return nil
}

func (m roleStore) RolesForUser(ctx context.Context, userID string) ([]access.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []access.Role
	for _, edge := range m.userRoles[userID] {
		if r, ok := m.roles[edge.RoleID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m roleStore) AssignmentsForUser(ctx context.Context, userID string) ([]access.UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]access.UserRole(nil), m.userRoles[userID]...), nil
}

func (m *memAccess) FindUser(ctx context.Context, id string) (access.UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return access.UserRef{}, access.ErrNotFound
	}
	return u, nil
}

// --- in-memory policy stores ---

type memSettings struct {
	mu      sync.Mutex
	records map[string]policy.SecuritySettings
}

func newMemSettings() *memSettings {
	return &memSettings{records: make(map[string]policy.SecuritySettings)}
}

func (m *memSettings) Get(ctx context.Context, orgID string) (policy.SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[orgID]
	if !ok {
		return policy.SecuritySettings{}, policy.ErrNotFound
	}
	return s, nil
}

func (m *memSettings) Create(ctx context.Context, s *policy.SecuritySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[s.OrganizationID]; ok {
		return policy.ErrConflict
	}
	m.records[s.OrganizationID] = *s
	return nil
}

func (m *memSettings) Update(ctx context.Context, orgID string, upd policy.SettingsUpdate) (policy.SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[orgID]
	if !ok {
		return policy.SecuritySettings{}, policy.ErrNotFound
	}
	if upd.MaxLoginAttempts != nil {
		s.MaxLoginAttempts = *upd.MaxLoginAttempts
	}
	if upd.LockoutDurationMinutes != nil {
		s.LockoutDurationMinutes = *upd.LockoutDurationMinutes
	}
	if upd.SessionTimeoutMinutes != nil {
		s.SessionTimeoutMinutes = *upd.SessionTimeoutMinutes
	}
	if upd.PasswordMinLength != nil {
		s.PasswordMinLength = *upd.PasswordMinLength
	}
	if upd.PasswordRequireSpecial != nil {
		s.PasswordRequireSpecial = *upd.PasswordRequireSpecial
	}
	if upd.BlockedIPs != nil {
		s.BlockedIPs = append([]string(nil), *upd.BlockedIPs...)
	}
	s.UpdatedAt = time.Now().UTC()
	m.records[orgID] = s
	return s, nil
}

type memHistory struct {
	mu     sync.Mutex
	hashes map[string][]string
}

func newMemHistory() *memHistory { return &memHistory{hashes: make(map[string][]string)} }

func (m *memHistory) RecentHashes(ctx context.Context, userID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.hashes[userID]
	if len(all) > limit {
		all = all[:limit]
	}
	return append([]string(nil), all...), nil
}

func (m *memHistory) Append(ctx context.Context, userID, hash string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]string{hash}, m.hashes[userID]...)
	if len(entries) > keep {
		entries = entries[:keep]
	}
	m.hashes[userID] = entries
	return nil
}

// --- in-memory event log ---

type memEvents struct {
	mu     sync.Mutex
	events []seclog.Event
}

func (m *memEvents) Append(ctx context.Context, e *seclog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *memEvents) Find(ctx context.Context, orgID, id string) (seclog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.OrganizationID == orgID && e.ID == id {
			return e, nil
		}
	}
	return seclog.Event{}, seclog.ErrNotFound
}

func (m *memEvents) List(ctx context.Context, f seclog.Filter) ([]seclog.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []seclog.Event
	for _, e := range m.events {
		if e.OrganizationID != f.OrganizationID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
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
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memEvents) Count(ctx context.Context, f seclog.Filter) (int64, error) {
	f.Limit = 0
	f.Offset = 0
	matched, err := m.List(ctx, f)
	return int64(len(matched)), err
}

func (m *memEvents) DeleteOlderThan(ctx context.Context, orgID string, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []seclog.Event
	var deleted int64
	for _, e := range m.events {
		if e.OrganizationID == orgID && e.CreatedAt.Before(cutoff) && deleted < int64(limit) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return deleted, nil
}

func containsType(types []seclog.EventType, t seclog.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// --- in-memory guard stores ---

type memAlerts struct {
	mu     sync.Mutex
	alerts map[string]guard.Alert
}

func newMemAlerts() *memAlerts { return &memAlerts{alerts: make(map[string]guard.Alert)} }

func (m *memAlerts) Create(ctx context.Context, a *guard.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = *a
	return nil
}

func (m *memAlerts) Find(ctx context.Context, orgID, id string) (guard.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.OrganizationID != orgID {
		return guard.Alert{}, guard.ErrNotFound
	}
	return a, nil
}

func (m *memAlerts) List(ctx context.Context, f guard.AlertFilter) ([]guard.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []guard.Alert
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
	return out, nil
}

func (m *memAlerts) MarkResolved(ctx context.Context, orgID, id, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.OrganizationID != orgID {
		return guard.ErrNotFound
	}
	if a.Status == guard.AlertResolved {
		return guard.ErrConflict
	}
	a.Status = guard.AlertResolved
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &at
	m.alerts[id] = a
	return nil
}

func (m *memAlerts) LatestForUser(ctx context.Context, orgID, userID string, typ guard.AlertType) (guard.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *guard.Alert
	for _, a := range m.alerts {
		if a.OrganizationID != orgID || a.UserID != userID || a.Type != typ {
			continue
		}
		candidate := a
		if latest == nil || !candidate.CreatedAt.Before(latest.CreatedAt) {
			latest = &candidate
		}
	}
	if latest == nil {
		return guard.Alert{}, guard.ErrNotFound
	}
	return *latest, nil
}

type memRules struct {
	mu    sync.Mutex
	rules map[string]guard.IPRule
}

func newMemRules() *memRules { return &memRules{rules: make(map[string]guard.IPRule)} }

func (m *memRules) Create(ctx context.Context, r *guard.IPRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = *r
	return nil
}

func (m *memRules) Delete(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || r.OrganizationID != orgID {
		return guard.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memRules) List(ctx context.Context, orgID string) ([]guard.IPRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []guard.IPRule
	for _, r := range m.rules {
		if r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	return out, nil
}

// memStats aggregates over the other in-memory stores.
type memStats struct {
	events *memEvents
	alerts *memAlerts
	rules  *memRules
}

func (m *memStats) SecurityStats(ctx context.Context, orgID string, since time.Time) (guard.SecurityStats, error) {
	stats := guard.SecurityStats{
		EventsByType:     make(map[seclog.EventType]int64),
		EventsBySeverity: make(map[seclog.Severity]int64),
	}
	byDay := make(map[string]int64)
	byUser := make(map[string]int64)
	byIP := make(map[string]int64)
	events, _ := m.events.List(ctx, seclog.Filter{OrganizationID: orgID, Since: since})
	for _, e := range events {
		stats.TotalEvents++
		stats.EventsByType[e.Type]++
		stats.EventsBySeverity[e.Severity]++
		byDay[e.CreatedAt.UTC().Format("2006-01-02")]++
		if e.TargetUserID != "" {
			byUser[e.TargetUserID]++
		}
		if e.IPAddress != "" {
			byIP[e.IPAddress]++
		}
		switch e.Type {
		case seclog.EventLoginFailed:
			stats.FailedLogins++
		case seclog.EventLoginSuccess:
			stats.SuccessfulLogins++
		case seclog.EventLoginLocked:
			stats.AccountsLocked++
		}
	}
	stats.SuspiciousActivity = stats.EventsByType[seclog.EventSuspiciousActivity]
	stats.CriticalEvents = stats.EventsBySeverity[seclog.SeverityCritical]
	for day, count := range byDay {
		stats.DailyTrend = append(stats.DailyTrend, guard.DailyCount{Date: day, Count: count})
	}
	sort.Slice(stats.DailyTrend, func(i, j int) bool { return stats.DailyTrend[i].Date < stats.DailyTrend[j].Date })
	rules, _ := m.rules.List(ctx, orgID)
	for userID, count := range byUser {
		stats.TopUsers = append(stats.TopUsers, guard.UserActivity{UserID: userID, Count: count})
	}
	sort.Slice(stats.TopUsers, func(i, j int) bool {
		if stats.TopUsers[i].Count != stats.TopUsers[j].Count {
			return stats.TopUsers[i].Count > stats.TopUsers[j].Count
		}
		return stats.TopUsers[i].UserID < stats.TopUsers[j].UserID
	})
	if len(stats.TopUsers) > guard.TopActivityLimit {
		stats.TopUsers = stats.TopUsers[:guard.TopActivityLimit]
	}
	for ip, count := range byIP {
		blocked := false
		if addr, err := netip.ParseAddr(ip); err == nil {
			for _, r := range rules {
				if r.Kind != guard.IPRuleBlock {
					continue
				}
				if prefix, err := netip.ParsePrefix(r.CIDR); err == nil && prefix.Contains(addr.Unmap()) {
					blocked = true
					break
				}
			}
		}
		stats.TopIPs = append(stats.TopIPs, guard.IPActivity{IPAddress: ip, Count: count, Blocked: blocked})
	}
	sort.Slice(stats.TopIPs, func(i, j int) bool {
		if stats.TopIPs[i].Count != stats.TopIPs[j].Count {
			return stats.TopIPs[i].Count > stats.TopIPs[j].Count
		}
		return stats.TopIPs[i].IPAddress < stats.TopIPs[j].IPAddress
	})
	if len(stats.TopIPs) > guard.TopActivityLimit {
		stats.TopIPs = stats.TopIPs[:guard.TopActivityLimit]
	}
	alerts, _ := m.alerts.List(ctx, guard.AlertFilter{OrganizationID: orgID, Status: guard.AlertOpen})
	stats.OpenAlerts = int64(len(alerts))
	for _, r := range rules {
		if r.Kind == guard.IPRuleBlock {
			stats.BlockRules++
		}
	}
	return stats, nil
}

// --- credentials ---

type memCreds struct {
	mu    sync.Mutex
	byKey map[string]guard.Credentials // orgID + "\x00" + email
}

func newMemCreds() *memCreds { return &memCreds{byKey: make(map[string]guard.Credentials)} }

func (m *memCreds) put(c guard.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[c.OrganizationID+"\x00"+strings.ToLower(c.Email)] = c
}

func (m *memCreds) FindByEmail(ctx context.Context, orgID, email string) (guard.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byKey[orgID+"\x00"+strings.ToLower(email)]
	if !ok {
		return guard.Credentials{}, guard.ErrNotFound
	}
	return c, nil
}

// --- fixture ---

const (
	testOrg           = "org-1"
	adminID           = "u-admin"
	adminEmail        = "admin@corp.example"
	adminPassword     = "Adm1nPass"
	memberID          = "u-member"
	memberEmail       = "member@corp.example"
	memberPassword    = "M3mberPass"
	securityRoleID    = "role-security"
	securityManagerID = "perm-security-manage"
	usersManagerID    = "perm-users-manage"
)

type fixture struct {
	t       *testing.T
	api     *API
	access  *memAccess
	events  *memEvents
	alerts  *memAlerts
	rules   *memRules
	creds   *memCreds
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("VANTAGE_AUTH_SECRET", "test-secret-test-secret-test-secret!")
	token.ResetSecretForTests()
	t.Cleanup(token.ResetSecretForTests)

	acc := newMemAccess()
	roles := roleStore{acc}
	settingsStore := newMemSettings()
	events := &memEvents{}
	alerts := newMemAlerts()
	rules := newMemRules()
	creds := newMemCreds()

	resolver, err := access.NewResolver(roles, access.WithDirectory(acc))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	admin, err := access.NewAdmin(acc, roles)
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	settingsSvc, err := policy.NewService(settingsStore)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	passwords, err := policy.NewPasswords(newMemHistory(), settingsStore)
	if err != nil {
		t.Fatalf("passwords: %v", err)
	}
	eventsSvc, err := seclog.NewService(events, settingsSvc)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	guardSvc, err := guard.NewService(eventsSvc, alerts, rules, settingsSvc,
		guard.WithStatsStore(&memStats{events: events, alerts: alerts, rules: rules}))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	authn, err := guard.NewAuthenticator(creds, guardSvc)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}

	api := New(Deps{
		Version:   "test",
		Resolver:  resolver,
		Admin:     admin,
		Settings:  settingsSvc,
		Passwords: passwords,
		Events:    eventsSvc,
		Guard:     guardSvc,
		Authn:     authn,
		Alerts:    stream.New(),
		Options: Options{
			TokenTTL: time.Hour,
		},
	})

	f := &fixture{
		t:       t,
		api:     api,
		access:  acc,
		events:  events,
		alerts:  alerts,
		rules:   rules,
		creds:   creds,
		handler: api.Handler(),
	}
	f.seed()
	return f
}

func (f *fixture) seed() {
	f.t.Helper()
	now := time.Now().UTC()
	f.access.permissions[securityManagerID] = access.Permission{
		ID: securityManagerID, Resource: "security", Action: "manage",
		Scope: access.ScopeOrganization, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	f.access.permissions[usersManagerID] = access.Permission{
		ID: usersManagerID, Resource: "users", Action: "manage",
		Scope: access.ScopeOrganization, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
	f.access.roles[securityRoleID] = access.Role{
		ID: securityRoleID, Name: "security-admin", IsSystem: true, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	f.access.rolePerms[securityRoleID] = map[string]struct{}{
		securityManagerID: {},
		usersManagerID:    {},
	}
	f.access.userRoles[adminID] = []access.UserRole{
		{UserID: adminID, RoleID: securityRoleID, AssignedBy: "seed", AssignedAt: now},
	}
	f.access.users[adminID] = access.UserRef{ID: adminID, Email: adminEmail, Name: "Admin"}
	f.access.users[memberID] = access.UserRef{ID: memberID, Email: memberEmail, Name: "Member"}

	adminHash, err := policy.HashPassword(adminPassword)
	if err != nil {
		f.t.Fatalf("hash: %v", err)
	}
	memberHash, err := policy.HashPassword(memberPassword)
	if err != nil {
		f.t.Fatalf("hash: %v", err)
	}
	f.creds.put(guard.Credentials{
		UserID: adminID, OrganizationID: testOrg, Email: adminEmail,
		PasswordHash: adminHash, Active: true,
	})
	f.creds.put(guard.Credentials{
		UserID: memberID, OrganizationID: testOrg, Email: memberEmail,
		PasswordHash: memberHash, Active: true,
	})
}

func (f *fixture) do(method, path, bearerToken string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:44321"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// login authenticates and returns the bearer token, failing the test on
// a non-200 response.
func (f *fixture) login(email, password string) string {
	f.t.Helper()
	rr := f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"organization_id": testOrg,
		"email":           email,
		"password":        password,
	})
	if rr.Code != http.StatusOK {
		f.t.Fatalf("login %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		f.t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return v
}
