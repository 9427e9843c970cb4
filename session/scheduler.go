package session

import (
	"sync"
	"time"
)

// scheduler owns the single wake-up timer that triggers a silent refresh
// shortly before the access token expires. Arming always cancels the previous
// timer first, so at most one timer exists at any instant.
type scheduler struct {
	margin time.Duration
	now    func() time.Time

	mu    sync.Mutex
	timer *time.Timer
}

func newScheduler(margin time.Duration, now func() time.Time) *scheduler {
	return &scheduler{margin: margin, now: now}
}

// Arm schedules fire at expiry minus the safety margin. If that instant is
// already due, no timer is armed and Arm reports false; the caller is
// expected to have refreshed immediately.
func (s *scheduler) Arm(expiry time.Time, fire func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	delay := expiry.Sub(s.now()) - s.margin
	if delay <= 0 {
		return false
	}

	s.timer = time.AfterFunc(delay, fire)
	return true
}

// Cancel stops any pending timer.
func (s *scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
