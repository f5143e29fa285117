// Package poll provides the shared periodic-loop primitive and the
// per-worker idle timer.
package poll

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Loop runs fn at a fixed interval. Consecutive errors stretch the wait with
// jittered exponential backoff; the first success snaps it back to the base
// interval.
type Loop struct {
	name     string
	interval time.Duration
	maxDelay time.Duration
	fn       func(context.Context) error
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop creates a loop. maxDelay caps the error backoff; zero defaults to
// 10x the interval.
func NewLoop(name string, interval, maxDelay time.Duration, fn func(context.Context) error, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDelay <= 0 {
		maxDelay = 10 * interval
	}
	return &Loop{
		name:     name,
		interval: interval,
		maxDelay: maxDelay,
		fn:       fn,
		logger:   logger,
	}
}

// Start begins the loop in a background goroutine. The first call to fn
// happens immediately, not after one interval.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("poll loop started", "loop", l.name, "interval", l.interval)
}

// Stop cancels the loop and waits for the current iteration to finish.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("poll loop stopped", "loop", l.name)
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	consecutiveErrors := 0
	for {
		if err := l.fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			l.logger.Error("poll loop iteration failed",
				"loop", l.name, "consecutive_errors", consecutiveErrors, "error", err)
		} else {
			consecutiveErrors = 0
		}

		delay := l.nextDelay(consecutiveErrors)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextDelay returns the base interval, or interval << errors with +-25%
// jitter when the loop is failing, capped at maxDelay.
func (l *Loop) nextDelay(consecutiveErrors int) time.Duration {
	if consecutiveErrors == 0 {
		return l.interval
	}
	shift := consecutiveErrors
	if shift > 16 {
		shift = 16
	}
	delay := l.interval << uint(shift)
	if delay > l.maxDelay || delay <= 0 {
		delay = l.maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) / 2))
	return delay - delay/4 + jitter
}
