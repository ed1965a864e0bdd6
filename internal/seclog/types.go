package seclog

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("seclog: invalid input")
	ErrNotFound     = errors.New("seclog: not found")
)

// EventType enumerates the security-relevant occurrences the log accepts.
type EventType string

const (
	EventLoginSuccess       EventType = "login_success"
	EventLoginFailed        EventType = "login_failed"
	EventLoginLocked        EventType = "login_locked"
	EventPasswordChanged    EventType = "password_changed"
	EventUserCreated        EventType = "user_created"
	EventUserUpdated        EventType = "user_updated"
	EventUserDeleted        EventType = "user_deleted"
	EventPermissionChanged  EventType = "permission_changed"
	EventSettingsChanged    EventType = "settings_changed"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventDataImport         EventType = "data_import"
	EventDataExport         EventType = "data_export"
	EventUnauthorizedAccess EventType = "unauthorized_access"
)

// Severity classifies an event for triage and statistics.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// defaultSeverity applied when the caller does not classify the event.
var defaultSeverity = map[EventType]Severity{
	EventLoginSuccess:       SeverityLow,
	EventLoginFailed:        SeverityMedium,
	EventLoginLocked:        SeverityHigh,
	EventPasswordChanged:    SeverityLow,
	EventUserCreated:        SeverityLow,
	EventUserUpdated:        SeverityLow,
	EventUserDeleted:        SeverityMedium,
	EventPermissionChanged:  SeverityMedium,
	EventSettingsChanged:    SeverityMedium,
	EventSuspiciousActivity: SeverityHigh,
	EventDataImport:         SeverityMedium,
	EventDataExport:         SeverityMedium,
	EventUnauthorizedAccess: SeverityCritical,
}

// metadataKeys is the per-event-type key schema. Metadata is a typed
// key-value map validated at the write boundary, never trusted as an
// opaque blob. Keys in commonMetadataKeys are accepted on every type.
var metadataKeys = map[EventType][]string{
	EventLoginSuccess:       {"email", "method"},
	EventLoginFailed:        {"email", "method", "attempts"},
	EventLoginLocked:        {"email", "attempts", "window_minutes"},
	EventPasswordChanged:    {"forced"},
	EventUserCreated:        {"email", "created_by"},
	EventUserUpdated:        {"fields", "updated_by"},
	EventUserDeleted:        {"email", "deleted_by"},
	EventPermissionChanged:  {"role_id", "permission_id", "operation", "changed_by"},
	EventSettingsChanged:    {"fields", "changed_by"},
	EventSuspiciousActivity: {"pattern", "count"},
	EventDataImport:         {"entity", "count", "format"},
	EventDataExport:         {"entity", "count", "format"},
	EventUnauthorizedAccess: {"resource", "action", "owner_id"},
}

var commonMetadataKeys = []string{"reason", "source", "request_id"}

// Event is one append-only row in the security log. Rows are never
// mutated; retention cleanup is the only deletion path.
type Event struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           EventType         `json:"type"`
	Severity       Severity          `json:"severity"`
	ActorUserID    string            `json:"actor_user_id,omitempty"`
	TargetUserID   string            `json:"target_user_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Success        bool              `json:"success"`
	CreatedAt      time.Time         `json:"created_at"`
}

func validateMetadata(eventType EventType, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	allowed, ok := metadataKeys[eventType]
	if !ok {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, eventType)
	}
	for key := range metadata {
		if containsKey(allowed, key) || containsKey(commonMetadataKeys, key) {
			continue
		}
		return fmt.Errorf("%w: metadata key %q is not allowed for %s events", ErrInvalidInput, key, eventType)
	}
	return nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Filter narrows event listings. Zero values mean "any".
type Filter struct {
	OrganizationID string
	Types          []EventType
	Severities     []Severity
	ActorUserID    string
	TargetUserID   string
	IPAddress      string
	Success        *bool
	Since          time.Time
	Until          time.Time
	// SortAsc orders by creation time ascending; the default is newest
	// first.
	SortAsc bool
	Limit   int
	Offset  int
}
