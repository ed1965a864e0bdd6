// Package audit writes an append-only trail of administrative actions
// as JSON lines on the shared logger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"vantagecrm.org/internal/obs"
	"vantagecrm.org/internal/token"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type entry struct {
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	Event          string         `json:"event"`
	RequestID      string         `json:"request_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Fields         map[string]any `json:"fields"`
}

// LogEvent writes one audit entry. The caller principal and request id
// are taken from the context; fields carry action-specific detail.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := entry{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "audit",
		Event:     event,
		RequestID: requestIDFromContext(ctx),
		Fields:    map[string]any{},
	}
	if userID, ok := token.UserIDFromContext(ctx); ok {
		e.UserID = userID
	}
	if orgID, ok := token.OrganizationFromContext(ctx); ok {
		e.OrganizationID = orgID
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
