package queue

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the callback; it reports false if it already fired or was stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay on a background goroutine.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Timer
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(delay time.Duration, fn func()) Timer

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(delay time.Duration, fn func()) Timer {
	return f(delay, fn)
}

type runtimeScheduler struct{}

func (runtimeScheduler) Schedule(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// DefaultScheduler uses the Go runtime timers.
var DefaultScheduler Scheduler = runtimeScheduler{}
