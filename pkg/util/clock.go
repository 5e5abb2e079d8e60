package util

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the part of clock.Clock the engine needs. Tests pass a *clock.Mock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// NewClock returns the wall clock.
func NewClock() Clock {
	return clock.New()
}
