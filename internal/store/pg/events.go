package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vantagecrm.org/internal/seclog"
)

// Events implements seclog.Store. The table is append-only; the batched
// delete below is the single path that removes rows.
type Events struct {
	db *sql.DB
}

var _ seclog.Store = (*Events)(nil)

func (e *Events) Append(ctx context.Context, ev *seclog.Event) error {
	if e.db == nil {
		return errors.New("database connection unavailable")
	}
	metaJSON := []byte("{}")
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = raw
	}
	_, err := e.db.ExecContext(ctx, `
		insert into security_events (
			id, organization_id, event_type, severity,
			actor_user_id, target_user_id, description, metadata,
			ip_address, user_agent, success, created_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		ev.ID, ev.OrganizationID, string(ev.Type), string(ev.Severity),
		nullIfEmpty(ev.ActorUserID), nullIfEmpty(ev.TargetUserID), nullIfEmpty(ev.Description), metaJSON,
		nullIfEmpty(ev.IPAddress), nullIfEmpty(ev.UserAgent), ev.Success, ev.CreatedAt,
	)
	return err
}

const eventColumns = `
	id, organization_id, event_type, severity,
	coalesce(actor_user_id, ''), coalesce(target_user_id, ''), coalesce(description, ''), metadata,
	coalesce(ip_address, ''), coalesce(user_agent, ''), success, created_at`

func (e *Events) Find(ctx context.Context, organizationID, id string) (seclog.Event, error) {
	if e.db == nil {
		return seclog.Event{}, errors.New("database connection unavailable")
	}
	row := e.db.QueryRowContext(ctx, `
		select `+eventColumns+`
		from security_events
		where organization_id = $1 and id = $2
	`, organizationID, id)
	return scanEvent(row)
}

// eventWhere builds the WHERE clause shared by List and Count.
func eventWhere(f seclog.Filter) (string, []any) {
	var (
		where = []string{"organization_id = $1"}
		args  = []any{f.OrganizationID}
		idx   = 2
	)
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(t))
			idx++
		}
		where = append(where, fmt.Sprintf("event_type in (%s)", strings.Join(placeholders, ", ")))
	}
	if len(f.Severities) > 0 {
		placeholders := make([]string, len(f.Severities))
		for i, sev := range f.Severities {
			placeholders[i] = fmt.Sprintf("$%d", idx)
			args = append(args, string(sev))
			idx++
		}
		where = append(where, fmt.Sprintf("severity in (%s)", strings.Join(placeholders, ", ")))
	}
	if f.ActorUserID != "" {
		where = append(where, fmt.Sprintf("actor_user_id = $%d", idx))
		args = append(args, f.ActorUserID)
		idx++
	}
	if f.TargetUserID != "" {
		where = append(where, fmt.Sprintf("target_user_id = $%d", idx))
		args = append(args, f.TargetUserID)
		idx++
	}
	if f.IPAddress != "" {
		where = append(where, fmt.Sprintf("ip_address = $%d", idx))
		args = append(args, f.IPAddress)
		idx++
	}
	if f.Success != nil {
		where = append(where, fmt.Sprintf("success = $%d", idx))
		args = append(args, *f.Success)
		idx++
	}
	if !f.Since.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", idx))
		args = append(args, f.Since)
		idx++
	}
	if !f.Until.IsZero() {
		where = append(where, fmt.Sprintf("created_at <= $%d", idx))
		args = append(args, f.Until)
		idx++
	}
	return strings.Join(where, " and "), args
}

func (e *Events) List(ctx context.Context, f seclog.Filter) ([]seclog.Event, error) {
	if e.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	where, args := eventWhere(f)
	order := "desc"
	if f.SortAsc {
		order = "asc"
	}
	query := fmt.Sprintf(`
		select `+eventColumns+`
		from security_events
		where %s
		order by created_at %s, id %s
		limit $%d offset $%d
	`, where, order, order, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []seclog.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Count aggregates in the database; the filter's Limit and Offset are
// ignored.
func (e *Events) Count(ctx context.Context, f seclog.Filter) (int64, error) {
	if e.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	where, args := eventWhere(f)
	var n int64
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(`
		select count(*) from security_events where %s
	`, where), args...).Scan(&n)
	return n, err
}

// DeleteOlderThan removes at most limit rows per call. The ctid subquery
// keeps each statement short-lived on a large log table.
func (e *Events) DeleteOlderThan(ctx context.Context, organizationID string, cutoff time.Time, limit int) (int64, error) {
	if e.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	res, err := e.db.ExecContext(ctx, `
		delete from security_events
		where ctid in (
			select ctid from security_events
			where organization_id = $1 and created_at < $2
			limit $3
		)
	`, organizationID, cutoff, limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvent(row rowScanner) (seclog.Event, error) {
	var (
		ev            seclog.Event
		typ, severity string
		metaJSON      []byte
	)
	err := row.Scan(
		&ev.ID, &ev.OrganizationID, &typ, &severity,
		&ev.ActorUserID, &ev.TargetUserID, &ev.Description, &metaJSON,
		&ev.IPAddress, &ev.UserAgent, &ev.Success, &ev.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return seclog.Event{}, seclog.ErrNotFound
	}
	if err != nil {
		return seclog.Event{}, err
	}
	ev.Type = seclog.EventType(typ)
	ev.Severity = seclog.Severity(severity)
	if len(metaJSON) > 0 && string(metaJSON) != "{}" {
		if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
			return seclog.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return ev, nil
}
