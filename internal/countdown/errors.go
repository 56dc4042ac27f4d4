package countdown

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotPermitted is a generic permission denial. Deliberately carries
	// no detail so replies never leak allow-list contents to non-admins.
	ErrNotPermitted = errors.New("not permitted")

	// ErrRateLimited means the user exhausted their start budget for the
	// current window.
	ErrRateLimited = errors.New("rate limited")

	// ErrSessionNotFound means no countdown is running in the channel.
	ErrSessionNotFound = errors.New("no active countdown")
)

// OutOfRangeError reports a start value outside the configured bounds.
// It names both the offending value and the violated bound.
type OutOfRangeError struct {
	Value int
	Min   int
	Max   int
}

func (e *OutOfRangeError) Error() string {
	if e.Value < e.Min {
		return fmt.Sprintf("start value %d is below the minimum of %d", e.Value, e.Min)
	}
	return fmt.Sprintf("start value %d is above the maximum of %d", e.Value, e.Max)
}

// BusyError reports a channel that already has an unexpired countdown lock.
type BusyError struct {
	ChannelID string
	Remaining time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("channel busy for another %s", e.Remaining.Round(time.Second))
}

// UnknownChannelError reports an allow/disallow target that does not exist
// on the platform.
type UnknownChannelError struct {
	Name string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("unknown channel %q", e.Name)
}
