package sharedws

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a virtual-time Scheduler. Timers only fire from Advance, synchronously and in
// due-time order, on the calling goroutine.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Time
	seq     int
	fn      func()
	done    bool
	stopped bool
}

// NewManualScheduler returns a ManualScheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.done || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d, firing every timer that becomes due on the way, including
// timers scheduled by callbacks fired during this call.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDueLocked(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		if next.at.After(s.now) {
			s.now = next.at
		}
		next.done = true
		s.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.done && !t.stopped {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTimer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.done && !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live

	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].at.Before(s.timers[j].at)
	})

	if len(s.timers) == 0 || s.timers[0].at.After(target) {
		return nil
	}
	return s.timers[0]
}
