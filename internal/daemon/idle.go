package daemon

import (
	"sync"
	"time"
)

// IdleTimer is a rescheduling one-shot countdown. Arm restarts it; a fire
// from a superseded arming is discarded.
type IdleTimer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	gen      uint64
	fire     func()
}

// NewIdleTimer returns a stopped timer that calls fire after d of inactivity.
// A non-positive d disables the timer.
func NewIdleTimer(d time.Duration, fire func()) *IdleTimer {
	return &IdleTimer{duration: d, fire: fire}
}

// Arm (re)starts the countdown.
func (t *IdleTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	if t.duration <= 0 {
		t.timer = nil
		return
	}
	gen := t.gen
	t.timer = time.AfterFunc(t.duration, func() {
		t.mu.Lock()
		current := gen == t.gen
		t.mu.Unlock()
		if current {
			t.fire()
		}
	})
}

// SetDuration changes the window used by the next Arm.
func (t *IdleTimer) SetDuration(d time.Duration) {
	t.mu.Lock()
	t.duration = d
	t.mu.Unlock()
}

// Stop cancels any pending fire.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
