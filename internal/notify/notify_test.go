package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type captureNotifier struct {
	mu   sync.Mutex
	seen []Notification
	err  error
}

func (c *captureNotifier) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	return c.err
}

func TestEffectAssignsID(t *testing.T) {
	sink := &captureNotifier{}
	eff := NewEffect(sink, Notification{Kind: KindSecurityAlert, Subject: "lockout"})
	eff.Run(context.Background())

	if len(sink.seen) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sink.seen))
	}
	if sink.seen[0].ID == "" {
		t.Fatal("expected generated notification id")
	}
}

func TestEffectSwallowsDeliveryError(t *testing.T) {
	sink := &captureNotifier{err: errors.New("smtp down")}
	eff := NewEffect(sink, Notification{Kind: KindSettingsChanged, Subject: "settings"})
	// Run must not panic or surface the error.
	eff.Run(context.Background())
}

func TestNilEffectIsSafe(t *testing.T) {
	var eff *Effect
	eff.Run(context.Background())
	eff.RunAsync()
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		ct   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		ct = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookNotifier(srv.URL, 2*time.Second)
	err := sink.Notify(context.Background(), Notification{
		ID:      "n-1",
		Kind:    KindAccountLocked,
		Subject: "account locked",
		Body:    "user u-1 exceeded the attempt limit",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var got Notification
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.ID != "n-1" || got.Kind != KindAccountLocked {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierRejectsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookNotifier(srv.URL, 2*time.Second)
	err := sink.Notify(context.Background(), Notification{Subject: "x"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestWebhookNotifierRequiresSubject(t *testing.T) {
	sink := NewWebhookNotifier("http://127.0.0.1:0", time.Second)
	if err := sink.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("expected error for missing subject")
	}
}
