package countdown

import (
	"sync"
	"time"
)

// ChannelLock tracks which channels currently have an active countdown.
//
// Expiry = acquire time + length * multiplier. The slack tolerates
// transport latency stretching a countdown past its nominal length;
// without it, a second start could race the first session's natural
// completion. Expired entries are swept before every check, so a session
// that crashed without releasing can never wedge its channel forever.
type ChannelLock struct {
	mu         sync.Mutex
	multiplier float64
	expiries   map[string]time.Time
}

func NewChannelLock(multiplier float64) *ChannelLock {
	if multiplier < 1 {
		multiplier = 2
	}
	return &ChannelLock{
		multiplier: multiplier,
		expiries:   map[string]time.Time{},
	}
}

// TryAcquire locks the channel for the expected countdown length.
// Returns *BusyError with the remaining hold time if the channel is
// already locked and unexpired.
func (l *ChannelLock) TryAcquire(channelID string, length time.Duration, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	if exp, ok := l.expiries[channelID]; ok {
		return &BusyError{ChannelID: channelID, Remaining: exp.Sub(now)}
	}

	hold := time.Duration(float64(length) * l.multiplier)
	l.expiries[channelID] = now.Add(hold)
	return nil
}

// Release removes the lock. Releasing an absent entry is a no-op.
func (l *ChannelLock) Release(channelID string) {
	l.mu.Lock()
	delete(l.expiries, channelID)
	l.mu.Unlock()
}

// Sweep removes expired entries and returns how many were reclaimed.
func (l *ChannelLock) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *ChannelLock) sweepLocked(now time.Time) int {
	n := 0
	for id, exp := range l.expiries {
		if !exp.After(now) {
			delete(l.expiries, id)
			n++
		}
	}
	return n
}

// Held reports whether the channel is currently locked and unexpired.
func (l *ChannelLock) Held(channelID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.expiries[channelID]
	return ok && exp.After(now)
}
