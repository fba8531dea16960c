// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock reads time.Now. Values keep their monotonic reading so TTL math is
// unaffected by wall-clock adjustments.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now()
}
