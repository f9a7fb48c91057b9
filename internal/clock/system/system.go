// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements crawler.Clock. Timestamps are UTC; market-local views are
// projected by the calendar package.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports elapsed time from t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
