// Package scheduler fires a callback once a session deadline has passed.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	MinDelay = 5 * time.Second
	MaxDelay = 12 * time.Hour
)

// Clamp bounds d to [MinDelay, MaxDelay].
func Clamp(d time.Duration) time.Duration {
	if d < MinDelay {
		return MinDelay
	}
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Scheduler holds at most one armed deadline. Long deadlines are reached by
// waking up at most every MaxDelay and re-checking the clock.
type Scheduler struct {
	mu       sync.Mutex
	clock    clock.Clock
	onExpire func(deadline time.Time)
	timer    *clock.Timer
	deadline time.Time
	gen      uint64
}

func New(clk clock.Clock, onExpire func(deadline time.Time)) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clock: clk, onExpire: onExpire}
}

// Arm replaces any armed deadline with expiresAt.
func (s *Scheduler) Arm(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
	s.deadline = expiresAt
	s.scheduleLocked(s.gen)
}

func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.gen++
	s.deadline = time.Time{}
}

// Deadline returns the armed deadline and whether one is armed.
func (s *Scheduler) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, !s.deadline.IsZero()
}

func (s *Scheduler) scheduleLocked(gen uint64) {
	delay := Clamp(s.deadline.Sub(s.clock.Now()))
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.deadline.IsZero() {
		s.mu.Unlock()
		return
	}
	if s.clock.Now().Before(s.deadline) {
		s.scheduleLocked(gen)
		s.mu.Unlock()
		return
	}
	deadline := s.deadline
	s.deadline = time.Time{}
	s.timer = nil
	s.gen++
	cb := s.onExpire
	s.mu.Unlock()

	if cb != nil {
		cb(deadline)
	}
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
