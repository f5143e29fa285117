package poll

import (
	"sync"
	"time"
)

// IdleTimer fires a callback after a period of inactivity. Reset restarts
// the countdown; Clear cancels it. Used to wind down workers that have gone
// quiet so they do not hold a concurrency slot forever.
type IdleTimer struct {
	mu       sync.Mutex
	timeout  time.Duration
	callback func()
	timer    *time.Timer
}

// NewIdleTimer creates a timer. It does not start counting until Reset.
func NewIdleTimer(timeout time.Duration, callback func()) *IdleTimer {
	return &IdleTimer{timeout: timeout, callback: callback}
}

// Reset cancels any pending fire and starts a new countdown.
func (it *IdleTimer) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
	}
	it.timer = time.AfterFunc(it.timeout, it.callback)
}

// Clear cancels the timer without firing.
func (it *IdleTimer) Clear() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
}
