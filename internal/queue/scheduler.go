package queue

import (
	"sort"
	"sync"
	"time"
)

// CancelFunc stops a scheduled callback if it has not yet fired.
type CancelFunc func()

// Scheduler is the task driver the broker's batch-timeout timers run
// on. Production wires RealScheduler; tests wire FakeScheduler and
// drive it with AdvanceTime/WaitForTasks (section 9 "Global mutable
// state": expose the clock/task driver as a constructor parameter
// rather than a process-wide variable).
type Scheduler interface {
	Now() int64
	AfterFunc(ms int64, f func()) CancelFunc
	// Track registers one outstanding async dispatch task, returning a
	// func to call on completion. RealScheduler's is a no-op; fake
	// schedulers use it so WaitForTasks can block deterministically.
	Track() func()
}

// RealScheduler drives timers off the wall clock.
type RealScheduler struct{}

func (RealScheduler) Now() int64 { return time.Now().UnixMilli() }

func (RealScheduler) AfterFunc(ms int64, f func()) CancelFunc {
	t := time.AfterFunc(time.Duration(ms)*time.Millisecond, f)
	return func() { t.Stop() }
}

func (RealScheduler) Track() func() { return func() {} }

type fakeTimer struct {
	fireAt int64
	fn     func()
	fired  bool
}

// FakeScheduler is a deterministic, manually-advanced clock and timer
// set used by tests (section 4.6 "a test-only control surface exposes
// advanceFakeTime(ms) and waitForFakeTasks()").
type FakeScheduler struct {
	mu     sync.Mutex
	now    int64
	timers []*fakeTimer
	wg     sync.WaitGroup
}

// NewFakeScheduler constructs a scheduler starting at virtual time 0.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{}
}

func (s *FakeScheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeScheduler) AfterFunc(ms int64, f func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fireAt: s.now + ms, fn: f}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.fired = true
	}
}

// AdvanceTime moves the virtual clock forward by ms, firing every timer
// whose deadline falls within the advanced window, earliest first.
// Callbacks run synchronously on the caller's goroutine; any work they
// hand off to a real goroutine is tracked via Track so WaitForTasks can
// still observe it.
func (s *FakeScheduler) AdvanceTime(ms int64) {
	s.mu.Lock()
	s.now += ms
	target := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		sort.Slice(s.timers, func(i, j int) bool { return s.timers[i].fireAt < s.timers[j].fireAt })
		var due *fakeTimer
		for _, t := range s.timers {
			if !t.fired && t.fireAt <= target {
				due = t
				t.fired = true
				break
			}
		}
		s.mu.Unlock()
		if due == nil {
			return
		}
		due.fn()
	}
}

// Track registers one outstanding async task; call the returned func
// when it completes. WaitForTasks blocks until every tracked task (and
// any it transitively starts) has completed.
func (s *FakeScheduler) Track() func() {
	s.wg.Add(1)
	return s.wg.Done
}

// WaitForTasks blocks until every task started via Track has completed.
func (s *FakeScheduler) WaitForTasks() {
	s.wg.Wait()
}
