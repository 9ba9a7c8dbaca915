package ids

import (
	"testing"
	"time"
)

func TestNew_OrderedWithinMillisecond(t *testing.T) {
	// Not parallel: other callers would reset the shared monotonic entropy.
	now := time.Date(2024, 3, 21, 10, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 100; i++ {
		id, err := New(now)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len(id)=%d want 26", len(id))
		}
		if id <= prev {
			t.Fatalf("ids not increasing: %q <= %q", id, prev)
		}
		prev = id
	}
}

func TestNew_ZeroTimeUsesNow(t *testing.T) {
	t.Parallel()

	id, err := New(time.Time{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id == "" {
		t.Fatalf("expected id")
	}
}
