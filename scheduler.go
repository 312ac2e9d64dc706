package sharedws

import "time"

type (
	// Timer is a cancellable single-shot timer handed out by a Scheduler.
	Timer interface {
		// Stop cancels the timer. It returns false if the timer already fired or was stopped.
		Stop() bool
	}

	// Scheduler is the only source of time and delayed execution used by connections, the broker and
	// keep-alive probes. Tests swap it for a ManualScheduler to advance virtual time.
	Scheduler interface {
		Now() time.Time
		AfterFunc(d time.Duration, fn func()) Timer
	}

	realScheduler struct{}
)

// RealScheduler returns a Scheduler backed by the wall clock and time.AfterFunc.
func RealScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
