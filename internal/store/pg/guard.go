package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"vantagecrm.org/internal/guard"
	"vantagecrm.org/internal/seclog"
)

// Alerts implements guard.AlertStore.
type Alerts struct {
	db *sql.DB
}

var _ guard.AlertStore = (*Alerts)(nil)

const alertColumns = `
	id, organization_id, alert_type, severity, title, coalesce(message, ''),
	coalesce(user_id, ''), coalesce(ip_address, ''), metadata,
	status, coalesce(resolved_by, ''), resolved_at, created_at`

func (a *Alerts) Create(ctx context.Context, alert *guard.Alert) error {
	if a.db == nil {
		return errors.New("database connection unavailable")
	}
	metaJSON := []byte("{}")
	if len(alert.Metadata) > 0 {
		raw, err := json.Marshal(alert.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = raw
	}
	_, err := a.db.ExecContext(ctx, `
		insert into security_alerts (
			id, organization_id, alert_type, severity, title, message,
			user_id, ip_address, metadata, status, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		alert.ID, alert.OrganizationID, string(alert.Type), string(alert.Severity),
		alert.Title, nullIfEmpty(alert.Message),
		nullIfEmpty(alert.UserID), nullIfEmpty(alert.IPAddress), metaJSON,
		string(alert.Status), alert.CreatedAt,
	)
	return err
}

func (a *Alerts) Find(ctx context.Context, organizationID, id string) (guard.Alert, error) {
	if a.db == nil {
		return guard.Alert{}, errors.New("database connection unavailable")
	}
	row := a.db.QueryRowContext(ctx, `
		select `+alertColumns+`
		from security_alerts
		where organization_id = $1 and id = $2
	`, organizationID, id)
	return scanAlert(row)
}

func (a *Alerts) List(ctx context.Context, f guard.AlertFilter) ([]guard.Alert, error) {
	if a.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var (
		where = []string{"organization_id = $1"}
		args  = []any{f.OrganizationID}
		idx   = 2
	)
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(f.Status))
		idx++
	}
	if f.Type != "" {
		where = append(where, fmt.Sprintf("alert_type = $%d", idx))
		args = append(args, string(f.Type))
		idx++
	}
	if f.UserID != "" {
		where = append(where, fmt.Sprintf("user_id = $%d", idx))
		args = append(args, f.UserID)
		idx++
	}
	query := fmt.Sprintf(`
		select `+alertColumns+`
		from security_alerts
		where %s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, strings.Join(where, " and "), idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []guard.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// MarkResolved flips an open alert to resolved. The status predicate
// makes the transition race-safe: a second resolver affects zero rows
// and gets ErrConflict.
func (a *Alerts) MarkResolved(ctx context.Context, organizationID, id, resolvedBy string, at time.Time) error {
	if a.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := a.db.ExecContext(ctx, `
		update security_alerts
		set status = 'resolved', resolved_by = $3, resolved_at = $4
		where organization_id = $1 and id = $2 and status = 'open'
	`, organizationID, id, resolvedBy, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff > 0 {
		return nil
	}
	// Zero rows: either missing or already resolved.
	if _, err := a.Find(ctx, organizationID, id); err != nil {
		return err
	}
	return guard.ErrConflict
}

func (a *Alerts) LatestForUser(ctx context.Context, organizationID, userID string, typ guard.AlertType) (guard.Alert, error) {
	if a.db == nil {
		return guard.Alert{}, errors.New("database connection unavailable")
	}
	row := a.db.QueryRowContext(ctx, `
		select `+alertColumns+`
		from security_alerts
		where organization_id = $1 and user_id = $2 and alert_type = $3
		order by created_at desc, id desc
		limit 1
	`, organizationID, userID, string(typ))
	return scanAlert(row)
}

func scanAlert(row rowScanner) (guard.Alert, error) {
	var (
		alert         guard.Alert
		typ, severity string
		status        string
		metaJSON      []byte
		resolvedAt    sql.NullTime
	)
	err := row.Scan(
		&alert.ID, &alert.OrganizationID, &typ, &severity, &alert.Title, &alert.Message,
		&alert.UserID, &alert.IPAddress, &metaJSON,
		&status, &alert.ResolvedBy, &resolvedAt, &alert.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return guard.Alert{}, guard.ErrNotFound
	}
	if err != nil {
		return guard.Alert{}, err
	}
	alert.Type = guard.AlertType(typ)
	alert.Severity = seclog.Severity(severity)
	alert.Status = guard.AlertStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	if len(metaJSON) > 0 && string(metaJSON) != "{}" {
		if err := json.Unmarshal(metaJSON, &alert.Metadata); err != nil {
			return guard.Alert{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return alert, nil
}

// IPRules implements guard.IPRuleStore.
type IPRules struct {
	db *sql.DB
}

var _ guard.IPRuleStore = (*IPRules)(nil)

func (r *IPRules) Create(ctx context.Context, rule *guard.IPRule) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := r.db.ExecContext(ctx, `
		insert into ip_rules (id, organization_id, kind, cidr, reason, created_by, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		rule.ID, rule.OrganizationID, string(rule.Kind), rule.CIDR,
		nullIfEmpty(rule.Reason), nullIfEmpty(rule.CreatedBy), nullTime(rule.ExpiresAt), rule.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return guard.ErrConflict
		}
		return err
	}
	return nil
}

func (r *IPRules) Delete(ctx context.Context, organizationID, id string) error {
	if r.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := r.db.ExecContext(ctx, `
		delete from ip_rules
		where organization_id = $1 and id = $2
	`, organizationID, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return guard.ErrNotFound
	}
	return nil
}

func (r *IPRules) List(ctx context.Context, organizationID string) ([]guard.IPRule, error) {
	if r.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := r.db.QueryContext(ctx, `
		select id, organization_id, kind, cidr, coalesce(reason, ''), coalesce(created_by, ''), expires_at, created_at
		from ip_rules
		where organization_id = $1
		order by created_at desc
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []guard.IPRule
	for rows.Next() {
		var (
			rule      guard.IPRule
			kind      string
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&rule.ID, &rule.OrganizationID, &kind, &rule.CIDR, &rule.Reason, &rule.CreatedBy, &expiresAt, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.Kind = guard.IPRuleKind(kind)
		if expiresAt.Valid {
			t := expiresAt.Time
			rule.ExpiresAt = &t
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Stats implements guard.StatsStore with SQL aggregation so the counts
// never pull the raw log into memory.
type Stats struct {
	db *sql.DB
}

var _ guard.StatsStore = (*Stats)(nil)

func (s *Stats) SecurityStats(ctx context.Context, organizationID string, since time.Time) (guard.SecurityStats, error) {
	if s.db == nil {
		return guard.SecurityStats{}, errors.New("database connection unavailable")
	}
	stats := guard.SecurityStats{
		EventsByType:     map[seclog.EventType]int64{},
		EventsBySeverity: map[seclog.Severity]int64{},
	}

	rows, err := s.db.QueryContext(ctx, `
		select event_type, severity, count(*)
		from security_events
		where organization_id = $1 and created_at >= $2
		group by event_type, severity
	`, organizationID, since)
	if err != nil {
		return guard.SecurityStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			typ, severity string
			count         int64
		)
		if err := rows.Scan(&typ, &severity, &count); err != nil {
			return guard.SecurityStats{}, err
		}
		stats.TotalEvents += count
		stats.EventsByType[seclog.EventType(typ)] += count
		stats.EventsBySeverity[seclog.Severity(severity)] += count
		switch seclog.EventType(typ) {
		case seclog.EventLoginFailed:
			stats.FailedLogins += count
		case seclog.EventLoginSuccess:
			stats.SuccessfulLogins += count
		case seclog.EventLoginLocked:
			stats.AccountsLocked += count
		}
	}
	if err := rows.Err(); err != nil {
		return guard.SecurityStats{}, err
	}
	stats.SuspiciousActivity = stats.EventsByType[seclog.EventSuspiciousActivity]
	stats.CriticalEvents = stats.EventsBySeverity[seclog.SeverityCritical]

	if err := s.db.QueryRowContext(ctx, `
		select count(*) from security_alerts
		where organization_id = $1 and status = 'open'
	`, organizationID).Scan(&stats.OpenAlerts); err != nil {
		return guard.SecurityStats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from ip_rules
		where organization_id = $1 and kind = 'block'
		  and (expires_at is null or expires_at > now())
	`, organizationID).Scan(&stats.BlockRules); err != nil {
		return guard.SecurityStats{}, err
	}

	trend, err := s.dailyTrend(ctx, organizationID, since)
	if err != nil {
		return guard.SecurityStats{}, err
	}
	stats.DailyTrend = trend

	topUsers, err := s.topUsers(ctx, organizationID, since)
	if err != nil {
		return guard.SecurityStats{}, err
	}
	stats.TopUsers = topUsers

	topIPs, err := s.topIPs(ctx, organizationID, since)
	if err != nil {
		return guard.SecurityStats{}, err
	}
	stats.TopIPs = topIPs
	return stats, nil
}

func (s *Stats) dailyTrend(ctx context.Context, organizationID string, since time.Time) ([]guard.DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		select to_char(created_at at time zone 'UTC', 'YYYY-MM-DD') as day, count(*)
		from security_events
		where organization_id = $1 and created_at >= $2
		group by day
		order by day
	`, organizationID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trend []guard.DailyCount
	for rows.Next() {
		var point guard.DailyCount
		if err := rows.Scan(&point.Date, &point.Count); err != nil {
			return nil, err
		}
		trend = append(trend, point)
	}
	return trend, rows.Err()
}

func (s *Stats) topUsers(ctx context.Context, organizationID string, since time.Time) ([]guard.UserActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select target_user_id, count(*) as events
		from security_events
		where organization_id = $1 and created_at >= $2 and target_user_id is not null
		group by target_user_id
		order by events desc, target_user_id
		limit $3
	`, organizationID, since, guard.TopActivityLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var top []guard.UserActivity
	for rows.Next() {
		var entry guard.UserActivity
		if err := rows.Scan(&entry.UserID, &entry.Count); err != nil {
			return nil, err
		}
		top = append(top, entry)
	}
	return top, rows.Err()
}

// topIPs ranks addresses by event count and marks each against the
// currently active block rules. The ip_address column is free text
// (proxies can hand over junk), so containment is evaluated here with
// netip rather than with an inet cast that would fail the whole query.
func (s *Stats) topIPs(ctx context.Context, organizationID string, since time.Time) ([]guard.IPActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ip_address, count(*) as events
		from security_events
		where organization_id = $1 and created_at >= $2 and ip_address is not null
		group by ip_address
		order by events desc, ip_address
		limit $3
	`, organizationID, since, guard.TopActivityLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var top []guard.IPActivity
	for rows.Next() {
		var entry guard.IPActivity
		if err := rows.Scan(&entry.IPAddress, &entry.Count); err != nil {
			return nil, err
		}
		top = append(top, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return top, nil
	}

	blockRows, err := s.db.QueryContext(ctx, `
		select cidr from ip_rules
		where organization_id = $1 and kind = 'block'
		  and (expires_at is null or expires_at > now())
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer blockRows.Close()

	var blocks []netip.Prefix
	for blockRows.Next() {
		var cidr string
		if err := blockRows.Scan(&cidr); err != nil {
			return nil, err
		}
		if prefix, err := netip.ParsePrefix(cidr); err == nil {
			blocks = append(blocks, prefix)
		}
	}
	if err := blockRows.Err(); err != nil {
		return nil, err
	}

	for i := range top {
		addr, err := netip.ParseAddr(top[i].IPAddress)
		if err != nil {
			continue
		}
		for _, prefix := range blocks {
			if prefix.Contains(addr.Unmap()) {
				top[i].Blocked = true
				break
			}
		}
	}
	return top, nil
}
