// Package ids issues the primary keys for every persisted record. Keys
// are ULIDs rather than UUIDv4 so that rows created close together sort
// close together: the event log and alert tables are append-heavy, and
// time-ordered keys keep their index writes on the rightmost pages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// A single monotonic reader keeps IDs strictly increasing within one
// millisecond; the mutex is required because ulid.MonotonicEntropy is
// not safe for concurrent use.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh identifier. IDs issued by one process sort in
// issue order even under concurrency.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Time recovers the creation time embedded in an identifier.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
