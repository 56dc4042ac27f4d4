package countdown

import (
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !rl.Approve("u1", base.Add(time.Duration(i)*time.Minute)) {
			t.Fatalf("attempt %d should be approved", i+1)
		}
	}
	if rl.Approve("u1", base.Add(5*time.Minute)) {
		t.Fatal("4th attempt inside the window should be denied")
	}

	// Another user is unaffected.
	if !rl.Approve("u2", base.Add(5*time.Minute)) {
		t.Fatal("other user should be approved")
	}

	// Once the first attempt ages out, one slot frees up.
	if !rl.Approve("u1", base.Add(time.Hour+time.Second)) {
		t.Fatal("attempt after window elapsed should be approved")
	}
	if rl.Approve("u1", base.Add(time.Hour+2*time.Second)) {
		t.Fatal("budget should be exhausted again")
	}
}

func TestRateLimiterDenialDoesNotRecord(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Hour)

	if !rl.Approve("u1", base) {
		t.Fatal("first attempt should pass")
	}
	// Hammering while denied must not extend the lockout.
	for i := 0; i < 10; i++ {
		if rl.Approve("u1", base.Add(time.Duration(i)*time.Minute)) {
			t.Fatal("attempt inside window should be denied")
		}
	}
	if !rl.Approve("u1", base.Add(time.Hour+time.Second)) {
		t.Fatal("window expiry should free the budget despite denied attempts")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Hour)

	if got := rl.Remaining("u1", base); got != 3 {
		t.Fatalf("fresh user Remaining = %d, want 3", got)
	}
	rl.Approve("u1", base)
	rl.Approve("u1", base.Add(time.Minute))
	if got := rl.Remaining("u1", base.Add(2*time.Minute)); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}
	// The first attempt ages out of the window.
	if got := rl.Remaining("u1", base.Add(time.Hour+time.Second)); got != 2 {
		t.Fatalf("Remaining after expiry = %d, want 2", got)
	}
}

func TestRateLimiterResetAll(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Hour)

	if !rl.Approve("u1", base) {
		t.Fatal("first attempt should pass")
	}
	if rl.Approve("u1", base.Add(time.Minute)) {
		t.Fatal("second attempt should be denied")
	}
	rl.ResetAll()
	if !rl.Approve("u1", base.Add(2*time.Minute)) {
		t.Fatal("attempt after reset should pass")
	}
}

func TestRateLimiterPurge(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Hour)

	rl.Approve("u1", base)
	rl.Approve("u2", base.Add(30*time.Minute))

	if got := rl.Purge(base.Add(90 * time.Minute)); got != 1 {
		t.Fatalf("Purge removed %d records, want 1", got)
	}
	if got := rl.Purge(base.Add(3 * time.Hour)); got != 1 {
		t.Fatalf("second Purge removed %d records, want 1", got)
	}
}
