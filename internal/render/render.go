// Package render drives the e-ink refresh loop. Update requests coalesce
// into one pending slot; a frame is composed without the storage bus and
// flushed to the display while holding it.
package render

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/metrics"
	"crosspoint-transfer/internal/spibus"
)

const defaultWaitTimeout = 200 * time.Millisecond

// Screen produces and shows frames. Compose may read storage through the
// normal bus-guarded API; Flush runs with the bus already held and must not.
type Screen interface {
	Compose() ([]byte, error)
	Flush(frame []byte) error
}

type Options struct {
	// Interval forces a periodic refresh; 0 refreshes on request only.
	Interval time.Duration
	// WaitTimeout bounds RequestUpdateAndWait.
	WaitTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type Task struct {
	bus    *spibus.Bus
	screen Screen
	opts   Options
	log    *zap.Logger

	pending chan struct{}

	mu      sync.Mutex
	waiters []chan struct{}

	frames atomic.Uint64
}

func New(bus *spibus.Bus, screen Screen, opts Options) *Task {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Task{
		bus:     bus,
		screen:  screen,
		opts:    opts,
		log:     opts.Logger,
		pending: make(chan struct{}, 1),
	}
}

// RequestUpdate marks a refresh as pending. It never blocks; requests made
// while one is already pending are merged.
func (t *Task) RequestUpdate() {
	select {
	case t.pending <- struct{}{}:
	default:
	}
}

// RequestUpdateAndWait requests a refresh and waits until a frame started
// after this call has been processed. It gives up after the wait timeout or
// when ctx ends and reports whether the frame was acknowledged.
func (t *Task) RequestUpdateAndWait(ctx context.Context) bool {
	ack := make(chan struct{})
	t.mu.Lock()
	t.waiters = append(t.waiters, ack)
	t.mu.Unlock()
	t.RequestUpdate()

	timer := time.NewTimer(t.opts.WaitTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return true
	case <-timer.C:
		t.opts.Metrics.RenderWaitTimeout()
		t.log.Warn("render did not acknowledge, continuing", zap.Duration("timeout", t.opts.WaitTimeout))
		return false
	case <-ctx.Done():
		return false
	}
}

// Frames is the number of frames flushed so far.
func (t *Task) Frames() uint64 { return t.frames.Load() }

// Run renders until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if t.opts.Interval > 0 {
		ticker := time.NewTicker(t.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.pending:
		case <-tick:
		}
		t.frame(ctx)
	}
}

func (t *Task) frame(ctx context.Context) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()
	defer func() {
		for _, w := range waiters {
			close(w)
		}
	}()

	buf, err := t.screen.Compose()
	if err != nil {
		t.log.Warn("compose failed", zap.Error(err))
		return
	}
	g, err := t.bus.AcquireContext(ctx)
	if err != nil {
		return
	}
	err = t.screen.Flush(buf)
	g.Release()
	if err != nil {
		t.log.Warn("display flush failed", zap.Error(err))
		return
	}
	t.frames.Add(1)
	t.opts.Metrics.Frame()
}
