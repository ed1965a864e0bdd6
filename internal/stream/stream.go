// Package stream fans out security alerts to live subscribers
// (SSE clients such as admin dashboards).
package stream

import (
	"context"
	"sync"

	"vantagecrm.org/internal/guard"
)

type subscriber struct {
	orgID string
	ch    chan guard.Alert
}

// Stream fan-outs alerts to all active subscribers. Subscribers are
// scoped to one organization; a subscriber with an empty organization
// receives every alert.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for the organization's alerts and
// returns a channel which will receive them. The channel is closed when
// the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, orgID string) <-chan guard.Alert {
	ch := make(chan guard.Alert, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{orgID: orgID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the alert to all matching subscribers.
func (s *Stream) Publish(a guard.Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.orgID != "" && sub.orgID != a.OrganizationID {
			continue
		}
		select {
		case sub.ch <- a:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
