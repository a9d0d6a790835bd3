// Package system provides the wall clock used for crawl and claim timestamps.
package system

import "time"

// Clock implements frontier.Clock using time.Now. Readings are truncated to
// the millisecond because registry timestamps are stored as Unix millis.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at millisecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
