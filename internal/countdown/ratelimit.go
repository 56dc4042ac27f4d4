package countdown

import (
	"sync"
	"time"
)

// RateLimiter tracks per-user countdown starts over a sliding window.
// Pure bookkeeping, no I/O.
type RateLimiter struct {
	mu        sync.Mutex
	maxStarts int
	window    time.Duration
	byUser    map[string][]time.Time
}

func NewRateLimiter(maxStarts int, window time.Duration) *RateLimiter {
	if maxStarts < 1 {
		maxStarts = 1
	}
	if window <= 0 {
		window = 6 * time.Hour
	}
	return &RateLimiter{
		maxStarts: maxStarts,
		window:    window,
		byUser:    map[string][]time.Time{},
	}
}

func (r *RateLimiter) MaxStarts() int        { return r.maxStarts }
func (r *RateLimiter) Window() time.Duration { return r.window }

// Approve purges stale entries for the user, then either denies (record
// unchanged) or records the attempt and approves.
func (r *RateLimiter) Approve(userID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := purgeBefore(r.byUser[userID], now.Add(-r.window))
	if len(rec) >= r.maxStarts {
		if len(rec) == 0 {
			delete(r.byUser, userID)
		} else {
			r.byUser[userID] = rec
		}
		return false
	}
	r.byUser[userID] = append(rec, now)
	return true
}

// Remaining reports how many starts the user has left in the current
// window. Read-only; stale entries are ignored but not removed.
func (r *RateLimiter) Remaining(userID string, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	used := 0
	for _, t := range r.byUser[userID] {
		if !t.Before(cutoff) {
			used++
		}
	}
	if used >= r.maxStarts {
		return 0
	}
	return r.maxStarts - used
}

// ResetAll clears every user's record. Administrative abuse recovery.
func (r *RateLimiter) ResetAll() {
	r.mu.Lock()
	r.byUser = map[string][]time.Time{}
	r.mu.Unlock()
}

// Purge drops all entries older than the window and returns how many
// user records were removed entirely. Called from the maintenance sweep
// so idle users don't pin memory between their own attempts.
func (r *RateLimiter) Purge(now time.Time) int {
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.byUser {
		rec = purgeBefore(rec, cutoff)
		if len(rec) == 0 {
			delete(r.byUser, id)
			removed++
			continue
		}
		r.byUser[id] = rec
	}
	return removed
}

// purgeBefore keeps only timestamps at or after cutoff. Records are
// append-ordered, so a single scan for the first fresh entry suffices.
func purgeBefore(rec []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(rec) && rec[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return rec
	}
	return append([]time.Time(nil), rec[i:]...)
}
