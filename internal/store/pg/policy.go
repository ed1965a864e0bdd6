package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vantagecrm.org/internal/policy"
)

// Settings implements policy.SettingsStore over the security_settings
// table, one row per organization.
type Settings struct {
	db *sql.DB
}

var _ policy.SettingsStore = (*Settings)(nil)

const settingsColumns = `
	organization_id,
	password_min_length, password_require_uppercase, password_require_lowercase,
	password_require_numbers, password_require_special,
	password_expiration_days, password_history_count,
	max_login_attempts, lockout_duration_minutes, session_timeout_minutes, two_factor_required,
	allowed_email_domains, blocked_email_domains, allowed_ips, blocked_ips,
	data_retention_days, audit_log_enabled, encryption_enabled, notify_on_settings_change,
	maintenance_mode, coalesce(maintenance_message, ''),
	created_at, updated_at`

func (s *Settings) Get(ctx context.Context, organizationID string) (policy.SecuritySettings, error) {
	if s.db == nil {
		return policy.SecuritySettings{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select `+settingsColumns+`
		from security_settings
		where organization_id = $1
	`, organizationID)
	return scanSettings(row)
}

func (s *Settings) Create(ctx context.Context, rec *policy.SecuritySettings) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	allowed, blocked, allowedIPs, blockedIPs, err := marshalLists(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_settings (
			organization_id,
			password_min_length, password_require_uppercase, password_require_lowercase,
			password_require_numbers, password_require_special,
			password_expiration_days, password_history_count,
			max_login_attempts, lockout_duration_minutes, session_timeout_minutes, two_factor_required,
			allowed_email_domains, blocked_email_domains, allowed_ips, blocked_ips,
			data_retention_days, audit_log_enabled, encryption_enabled, notify_on_settings_change,
			maintenance_mode, maintenance_message,
			created_at, updated_at
		) values (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
	`,
		rec.OrganizationID,
		rec.PasswordMinLength, rec.PasswordRequireUppercase, rec.PasswordRequireLowercase,
		rec.PasswordRequireNumbers, rec.PasswordRequireSpecial,
		rec.PasswordExpirationDays, rec.PasswordHistoryCount,
		rec.MaxLoginAttempts, rec.LockoutDurationMinutes, rec.SessionTimeoutMinutes, rec.TwoFactorRequired,
		allowed, blocked, allowedIPs, blockedIPs,
		rec.DataRetentionDays, rec.AuditLogEnabled, rec.EncryptionEnabled, rec.NotifyOnSettingsChange,
		rec.MaintenanceMode, nullIfEmpty(rec.MaintenanceMessage),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return policy.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Settings) Update(ctx context.Context, organizationID string, upd policy.SettingsUpdate) (policy.SecuritySettings, error) {
	if s.db == nil {
		return policy.SecuritySettings{}, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.PasswordMinLength != nil {
		add("password_min_length", *upd.PasswordMinLength)
	}
	if upd.PasswordRequireUppercase != nil {
		add("password_require_uppercase", *upd.PasswordRequireUppercase)
	}
	if upd.PasswordRequireLowercase != nil {
		add("password_require_lowercase", *upd.PasswordRequireLowercase)
	}
	if upd.PasswordRequireNumbers != nil {
		add("password_require_numbers", *upd.PasswordRequireNumbers)
	}
	if upd.PasswordRequireSpecial != nil {
		add("password_require_special", *upd.PasswordRequireSpecial)
	}
	if upd.PasswordExpirationDays != nil {
		add("password_expiration_days", *upd.PasswordExpirationDays)
	}
	if upd.PasswordHistoryCount != nil {
		add("password_history_count", *upd.PasswordHistoryCount)
	}
	if upd.MaxLoginAttempts != nil {
		add("max_login_attempts", *upd.MaxLoginAttempts)
	}
	if upd.LockoutDurationMinutes != nil {
		add("lockout_duration_minutes", *upd.LockoutDurationMinutes)
	}
	if upd.SessionTimeoutMinutes != nil {
		add("session_timeout_minutes", *upd.SessionTimeoutMinutes)
	}
	if upd.TwoFactorRequired != nil {
		add("two_factor_required", *upd.TwoFactorRequired)
	}
	if upd.AllowedEmailDomains != nil {
		raw, err := json.Marshal(*upd.AllowedEmailDomains)
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		add("allowed_email_domains", raw)
	}
	if upd.BlockedEmailDomains != nil {
		raw, err := json.Marshal(*upd.BlockedEmailDomains)
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		add("blocked_email_domains", raw)
	}
	if upd.AllowedIPs != nil {
		raw, err := json.Marshal(*upd.AllowedIPs)
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		add("allowed_ips", raw)
	}
	if upd.BlockedIPs != nil {
		raw, err := json.Marshal(*upd.BlockedIPs)
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		add("blocked_ips", raw)
	}
	if upd.DataRetentionDays != nil {
		add("data_retention_days", *upd.DataRetentionDays)
	}
	if upd.AuditLogEnabled != nil {
		add("audit_log_enabled", *upd.AuditLogEnabled)
	}
	if upd.EncryptionEnabled != nil {
		add("encryption_enabled", *upd.EncryptionEnabled)
	}
	if upd.NotifyOnSettingsChange != nil {
		add("notify_on_settings_change", *upd.NotifyOnSettingsChange)
	}
	if upd.MaintenanceMode != nil {
		add("maintenance_mode", *upd.MaintenanceMode)
	}
	if upd.MaintenanceMessage != nil {
		add("maintenance_message", nullIfEmpty(*upd.MaintenanceMessage))
	}

	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update security_settings set %s where organization_id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, organizationID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return policy.SecuritySettings{}, err
		}
		if aff == 0 {
			return policy.SecuritySettings{}, policy.ErrNotFound
		}
	}
	return s.Get(ctx, organizationID)
}

func marshalLists(rec *policy.SecuritySettings) (allowed, blocked, allowedIPs, blockedIPs []byte, err error) {
	if allowed, err = json.Marshal(emptyIfNil(rec.AllowedEmailDomains)); err != nil {
		return
	}
	if blocked, err = json.Marshal(emptyIfNil(rec.BlockedEmailDomains)); err != nil {
		return
	}
	if allowedIPs, err = json.Marshal(emptyIfNil(rec.AllowedIPs)); err != nil {
		return
	}
	blockedIPs, err = json.Marshal(emptyIfNil(rec.BlockedIPs))
	return
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanSettings(row rowScanner) (policy.SecuritySettings, error) {
	var (
		rec                                      policy.SecuritySettings
		allowed, blocked, allowedIPs, blockedIPs []byte
	)
	err := row.Scan(
		&rec.OrganizationID,
		&rec.PasswordMinLength, &rec.PasswordRequireUppercase, &rec.PasswordRequireLowercase,
		&rec.PasswordRequireNumbers, &rec.PasswordRequireSpecial,
		&rec.PasswordExpirationDays, &rec.PasswordHistoryCount,
		&rec.MaxLoginAttempts, &rec.LockoutDurationMinutes, &rec.SessionTimeoutMinutes, &rec.TwoFactorRequired,
		&allowed, &blocked, &allowedIPs, &blockedIPs,
		&rec.DataRetentionDays, &rec.AuditLogEnabled, &rec.EncryptionEnabled, &rec.NotifyOnSettingsChange,
		&rec.MaintenanceMode, &rec.MaintenanceMessage,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.SecuritySettings{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.SecuritySettings{}, err
	}
	if err := decodeList(allowed, &rec.AllowedEmailDomains); err != nil {
		return policy.SecuritySettings{}, err
	}
	if err := decodeList(blocked, &rec.BlockedEmailDomains); err != nil {
		return policy.SecuritySettings{}, err
	}
	if err := decodeList(allowedIPs, &rec.AllowedIPs); err != nil {
		return policy.SecuritySettings{}, err
	}
	if err := decodeList(blockedIPs, &rec.BlockedIPs); err != nil {
		return policy.SecuritySettings{}, err
	}
	return rec, nil
}

func decodeList(raw []byte, target *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode settings list: %w", err)
	}
	if len(list) > 0 {
		*target = list
	}
	return nil
}

// History implements policy.HistoryStore over password_history.
type History struct {
	db *sql.DB
}

var _ policy.HistoryStore = (*History)(nil)

func (h *History) RecentHashes(ctx context.Context, userID string, limit int) ([]string, error) {
	if h.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := h.db.QueryContext(ctx, `
		select password_hash
		from password_history
		where user_id = $1
		order by created_at desc
		limit $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hashes, nil
}

// Append stores the new hash and trims the history beyond keep entries
// in the same transaction, so the bound holds under concurrent changes.
func (h *History) Append(ctx context.Context, userID, hash string, keep int) error {
	if h.db == nil {
		return errors.New("database connection unavailable")
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into password_history (user_id, password_hash)
		values ($1, $2)
	`, userID, hash); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from password_history
		where user_id = $1
		  and id not in (
			select id from password_history
			where user_id = $1
			order by created_at desc
			limit $2
		  )
	`, userID, keep); err != nil {
		return err
	}
	return tx.Commit()
}
