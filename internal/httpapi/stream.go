package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// StreamAlerts handles Server-Sent Events for the caller's organization
// alerts.
func (a *API) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if a.alerts == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	_, orgID, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.ensurePermission(w, r, "security", "manage") {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.alerts.Subscribe(ctx, orgID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for alert := range ch {
		payload, err := json.Marshal(alert)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
