// Package notify delivers best-effort admin notifications. Delivery
// failures are logged and never propagated to the operation that raised
// the notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"vantagecrm.org/internal/obs"
)

// Kind classifies a notification.
type Kind string

const (
	KindSettingsChanged Kind = "settings_changed"
	KindSecurityAlert   Kind = "security_alert"
	KindAccountLocked   Kind = "account_locked"
)

// Notification is a message destined for organization administrators.
type Notification struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notifier is the delivery sink. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Effect is a non-blocking side effect returned alongside a primary
// result. The caller runs it after the primary transaction commits; its
// failure channel is the log, not the caller's error path.
type Effect struct {
	notifier     Notifier
	notification Notification
}

// NewEffect binds a notification to its sink.
func NewEffect(n Notifier, msg Notification) *Effect {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return &Effect{notifier: n, notification: msg}
}

// Run delivers the notification synchronously, logging failure.
func (e *Effect) Run(ctx context.Context) {
	if e == nil || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, e.notification); err != nil {
		obs.LogEvent(map[string]any{
			"level":           "warn",
			"msg":             "notification delivery failed",
			"notification_id": e.notification.ID,
			"kind":            string(e.notification.Kind),
			"error":           err.Error(),
		})
	}
}

// RunAsync delivers the notification on its own goroutine with its own
// deadline, recovering panics so a broken sink cannot take the process
// down. The primary operation never waits on it.
func (e *Effect) RunAsync() {
	if e == nil || e.notifier == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				obs.LogEvent(map[string]any{
					"level": "error",
					"msg":   "recovered panic in notification dispatch",
					"panic": r,
				})
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Run(ctx)
	}()
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier builds a sink posting to url. A zero timeout falls
// back to 10 seconds.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.Subject) == "" {
		return errors.New("notify: subject is required")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications as structured log lines. It is the
// default sink when no external channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	if strings.TrimSpace(n.Subject) == "" {
		return errors.New("notify: subject is required")
	}
	obs.LogEvent(map[string]any{
		"type":            "notification",
		"notification_id": n.ID,
		"kind":            string(n.Kind),
		"subject":         n.Subject,
		"body":            n.Body,
		"metadata":        n.Metadata,
	})
	return nil
}
