package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if len(id) != 36 {
			t.Fatalf("len = %d, want 36: %q", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestUUIDv7Sortable(t *testing.T) {
	a := New()
	time.Sleep(2 * time.Millisecond)
	b := New()
	if a >= b {
		t.Fatalf("ids not increasing: %q then %q", a, b)
	}
}

func TestRunID(t *testing.T) {
	id := RunID()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("RunID = %q, want run_ prefix", id)
	}
	ts, err := Time(id)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Fatalf("embedded time %v is not recent", ts)
	}
}

func TestTimeRejects(t *testing.T) {
	if _, err := Time("not-a-uuid"); err == nil {
		t.Fatal("expected error for garbage")
	}
	// version 4
	if _, err := Time("f47ac10b-58cc-4372-a567-0e02b2c3d479"); err == nil {
		t.Fatal("expected error for v4 UUID")
	}
}
