package orchestrator

import "time"

// Scheduler abstracts deferred execution so wait-node timers can be driven
// synchronously in tests.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

type clockScheduler struct{}

// NewClockScheduler returns the wall-clock scheduler used in production.
func NewClockScheduler() Scheduler { return clockScheduler{} }

func (clockScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
