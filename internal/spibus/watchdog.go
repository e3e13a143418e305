package spibus

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Watchdog is fed at every chunk boundary of a long transfer or directory scan.
type Watchdog interface {
	Feed()
}

// NopWatchdog ignores feeds.
type NopWatchdog struct{}

func (NopWatchdog) Feed() {}

// SoftWatchdog tracks the last feed and warns when a loop that should be
// feeding it goes quiet for longer than the timeout while armed.
type SoftWatchdog struct {
	timeout  time.Duration
	log      *zap.Logger
	lastFeed atomic.Int64
	armed    atomic.Int32
	misses   atomic.Uint64
}

func NewSoftWatchdog(timeout time.Duration, log *zap.Logger) *SoftWatchdog {
	if log == nil {
		log = zap.NewNop()
	}
	w := &SoftWatchdog{timeout: timeout, log: log}
	w.lastFeed.Store(time.Now().UnixNano())
	return w
}

func (w *SoftWatchdog) Feed() {
	w.lastFeed.Store(time.Now().UnixNano())
}

// Arm marks the start of a long operation; Disarm its end. Calls nest.
func (w *SoftWatchdog) Arm() {
	w.Feed()
	w.armed.Add(1)
}

func (w *SoftWatchdog) Disarm() {
	if w.armed.Add(-1) < 0 {
		w.armed.Store(0)
	}
}

// Misses returns how many deadlines were missed so far.
func (w *SoftWatchdog) Misses() uint64 {
	return w.misses.Load()
}

// Check evaluates the deadline once at now.
func (w *SoftWatchdog) Check(now time.Time) bool {
	if w.armed.Load() == 0 || w.timeout <= 0 {
		return true
	}
	since := now.Sub(time.Unix(0, w.lastFeed.Load()))
	if since <= w.timeout {
		return true
	}
	w.misses.Add(1)
	w.log.Warn("watchdog starvation", zap.Duration("since_feed", since), zap.Duration("timeout", w.timeout))
	// Re-base so one stall logs once per timeout period.
	w.Feed()
	return false
}

// Run checks the deadline periodically until ctx is done.
func (w *SoftWatchdog) Run(ctx context.Context) error {
	period := w.timeout / 4
	if period < 10*time.Millisecond {
		period = 10 * time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			w.Check(now)
		}
	}
}
