// Package clock is the external clock collaborator named in spec §6: a
// source of wall time and of the timestamp-seeded, process-global version
// sequence that entity versions are drawn from.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock abstracts time so that the batcher's timers and the version
// sequence can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// NextVersion returns a monotonically increasing, timestamp-seeded
	// 64-bit version. Two calls never return the same value, even across
	// goroutines.
	NextVersion() int64
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// System is the production Clock, backed by the real wall clock. The
// version sequence is seeded from nanoseconds since epoch by NewSystem and
// then incremented, so versions remain monotonic even if the wall clock
// jumps backward.
type System struct {
	seq atomic.Int64
}

func NewSystem() *System {
	c := &System{}
	c.seq.Store(time.Now().UnixNano())
	return c
}

func (s *System) Now() time.Time { return time.Now() }

func (s *System) NextVersion() int64 {
	for {
		now := time.Now().UnixNano()
		cur := s.seq.Load()
		next := cur + 1
		if now > next {
			next = now
		}
		if s.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (s *System) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (s *System) Sleep(d time.Duration)                  { time.Sleep(d) }

// Fake is a test clock: time and version only advance when told to.
type Fake struct {
	mu      chan struct{}
	now     atomic.Int64 // unix nanos
	seq     atomic.Int64
	waiters chan waiter
}

type waiter struct {
	deadline int64
	ch       chan time.Time
}

func NewFake(start time.Time) *Fake {
	f := &Fake{waiters: make(chan waiter, 256)}
	f.now.Store(start.UnixNano())
	f.seq.Store(start.UnixNano())
	return f
}

func (f *Fake) Now() time.Time { return time.Unix(0, f.now.Load()) }

func (f *Fake) NextVersion() int64 { return f.seq.Add(1) }

func (f *Fake) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.waiters <- waiter{deadline: f.now.Load() + int64(d), ch: ch}
	return ch
}

func (f *Fake) Sleep(d time.Duration) { <-f.After(d) }

// Advance moves fake time forward by d, firing any waiters whose deadline
// has passed.
func (f *Fake) Advance(d time.Duration) {
	target := f.now.Load() + int64(d)
	f.now.Store(target)
	for n := len(f.waiters); n > 0; n-- {
		select {
		case w := <-f.waiters:
			if w.deadline <= target {
				w.ch <- time.Unix(0, w.deadline)
			} else {
				f.waiters <- w
			}
		default:
			return
		}
	}
}
