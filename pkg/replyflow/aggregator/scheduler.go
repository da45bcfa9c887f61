package aggregator

import "time"

// Task is a scheduled callback that can be cancelled before it fires.
type Task interface {
	// Stop cancels the task. It returns false if the task already fired
	// or was already stopped.
	Stop() bool
}

// Scheduler arms one-shot callbacks. The aggregator never touches timers
// directly so tests can drive it with a virtual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// RealScheduler schedules callbacks on the runtime timer.
type RealScheduler struct{}

// AfterFunc implements Scheduler using time.AfterFunc.
func (RealScheduler) AfterFunc(d time.Duration, f func()) Task {
	return time.AfterFunc(d, f)
}
