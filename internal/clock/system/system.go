// Package system provides a real clock implementation.
package system

import "time"

// Clock implements capture.Clock using time.Now. All timestamps the service
// persists go through here so tests can substitute a fake.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
