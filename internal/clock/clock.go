// Package clock abstracts time so components with time-dependent behavior
// (renegotiation debouncing, signaling rate limits) can be tested without
// real time passing.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After behaves like time.After using this clock's notion of time.
	After(d time.Duration) <-chan time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
