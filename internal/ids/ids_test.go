package ids

import (
	"sort"
	"testing"
	"time"
)

func TestNewIssuesSortedUniqueIDs(t *testing.T) {
	const n = 1000
	got := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i := range got {
		id := New()
		if len(id) != 26 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
		got[i] = id
	}
	if !sort.StringsAreSorted(got) {
		t.Fatal("ids issued in sequence must sort in issue order")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().Truncate(time.Millisecond)
	id := New()
	ts, err := Time(id)
	if err != nil {
		t.Fatalf("Time(%q): %v", id, err)
	}
	if ts.Before(before) || ts.After(time.Now()) {
		t.Fatalf("embedded time %v outside [%v, now]", ts, before)
	}

	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("malformed id must not parse")
	}
}
