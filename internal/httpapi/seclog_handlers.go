package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vantagecrm.org/internal/seclog"
)

type recordEventRequest struct {
	Type         string            `json:"type"`
	Severity     string            `json:"severity"`
	TargetUserID string            `json:"target_user_id"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata"`
	Success      bool              `json:"success"`
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListEvents(w, r)
	case http.MethodPost:
		a.handleRecordEvent(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	callerID, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	var req recordEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	event, err := a.events.RecordEvent(r.Context(), seclog.Event{
		OrganizationID: orgID,
		Type:           seclog.EventType(req.Type),
		Severity:       seclog.Severity(req.Severity),
		ActorUserID:    callerID,
		TargetUserID:   strings.TrimSpace(req.TargetUserID),
		Description:    req.Description,
		Metadata:       req.Metadata,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
		Success:        req.Success,
	})
	if err != nil {
		handleSeclogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	filter, err := eventFilterFromQuery(r, orgID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.events.ListEvents(r.Context(), filter)
	if err != nil {
		handleSeclogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleEventResource(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r, "/v1/events/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	event, err := a.events.FindEvent(r.Context(), orgID, parts[0])
	if err != nil {
		handleSeclogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleEventsCleanup triggers a retention sweep for the caller's
// organization and reports how many events were removed.
func (a *API) handleEventsCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}
	deleted, err := a.events.CleanupOldEvents(r.Context(), orgID)
	if err != nil {
		handleSeclogError(w, r, err)
		return
	}
	a.audit(r.Context(), "seclog.cleanup", map[string]any{
		"organization_id": orgID,
		"deleted":         deleted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func eventFilterFromQuery(r *http.Request, orgID string) (seclog.Filter, error) {
	q := r.URL.Query()
	f := seclog.Filter{
		OrganizationID: orgID,
		ActorUserID:    strings.TrimSpace(q.Get("actor_user_id")),
		TargetUserID:   strings.TrimSpace(q.Get("target_user_id")),
		IPAddress:      strings.TrimSpace(q.Get("ip_address")),
		SortAsc:        q.Get("sort") == "asc",
	}
	for _, t := range splitCSV(q.Get("type")) {
		f.Types = append(f.Types, seclog.EventType(t))
	}
	for _, s := range splitCSV(q.Get("severity")) {
		f.Severities = append(f.Severities, seclog.Severity(s))
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return seclog.Filter{}, errors.New("success must be a boolean")
		}
		f.Success = &b
	}
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return seclog.Filter{}, errors.New("since must be RFC 3339")
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return seclog.Filter{}, errors.New("until must be RFC 3339")
	}
	if f.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return seclog.Filter{}, errors.New("limit must be an integer")
	}
	if f.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		return seclog.Filter{}, errors.New("offset must be an integer")
	}
	return f, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseIntParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func handleSeclogError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, seclog.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, seclog.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "event log operation failed")
	}
}
