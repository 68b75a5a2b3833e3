package domain

import "time"

// Clock provides the current time. Sessions stamp their connect time through
// it so tests can pin timestamps.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// NowUTCMillis returns the current wall clock as UTC milliseconds since epoch.
// Wire frames carry timestamps in this form.
func NowUTCMillis(c Clock) int64 {
	return c.Now().UTC().UnixMilli()
}

var _ Clock = RealClock{}
