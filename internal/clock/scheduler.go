// Package clock provides the injected time source operator code must use
// instead of calling the OS clock directly (spec §9 "Time": "inject a
// clock/scheduler; never call the OS clock directly in operator code;
// tests require virtual time"). It wraps github.com/benbjohnson/clock,
// already present among this repository's dependency closure, so
// ExpireAfter's timer-driven paths can be driven deterministically from
// tests.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a single scheduled callback that can be stopped or reset.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Scheduler is the abstraction operators use for "now" and for arming
// timers, matching spec §6's "scheduler abstraction (Now/Schedule-at/
// Schedule-periodic)".
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time

	// AfterFunc arms fn to run once after d elapses, returning a Timer
	// that can re-arm or cancel it.
	AfterFunc(d time.Duration, fn func()) Timer

	// Tick returns a channel that receives the current time every d,
	// until the returned Timer (used only for Stop) is stopped.
	Tick(d time.Duration) (<-chan time.Time, Timer)
}

type realScheduler struct {
	clock clock.Clock
}

// New returns a Scheduler backed by the real wall clock.
func New() Scheduler {
	return &realScheduler{clock: clock.New()}
}

func (s *realScheduler) Now() time.Time { return s.clock.Now() }

func (s *realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.clock.AfterFunc(d, fn)
}

func (s *realScheduler) Tick(d time.Duration) (<-chan time.Time, Timer) {
	t := s.clock.Ticker(d)
	return t.C, tickerTimer{t}
}

type tickerTimer struct {
	t *clock.Ticker
}

func (t tickerTimer) Stop() bool {
	t.t.Stop()
	return true
}

func (t tickerTimer) Reset(d time.Duration) bool {
	t.t.Reset(d)
	return true
}

// Mock is a Scheduler whose clock only advances when the test tells it
// to, exposing benbjohnson/clock's Mock directly so tests can call Add /
// Set on it.
type Mock struct {
	*clock.Mock
}

// NewMock returns a Scheduler with virtual time starting at the Unix
// epoch, for deterministic tests of ExpireAfter.
func NewMock() *Mock {
	return &Mock{Mock: clock.NewMock()}
}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	return m.Mock.AfterFunc(d, fn)
}

func (m *Mock) Tick(d time.Duration) (<-chan time.Time, Timer) {
	t := m.Mock.Ticker(d)
	return t.C, tickerTimer{t}
}
