// Package clock abstracts wall-clock time so hold expiry can be tested with
// a fake clock instead of sleeps.
package clock

import "time"

// Clock returns the current time
type Clock interface {
	Now() time.Time
}

// System is the real wall clock
type System struct{}

// Now returns time.Now
func (System) Now() time.Time {
	return time.Now()
}
