// Package spibus arbitrates the single SPI bus shared by the SD card and the
// e-ink display controller. Every storage call and every display flush runs
// while holding the bus; nothing else (network writes, base64, JSON) may.
package spibus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Bus is the bus lock. It is created once per device and handed to every
// component that touches storage or the display.
type Bus struct {
	sem     chan struct{}
	log     *zap.Logger
	waits   prometheus.Observer
	slowLog time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for slow-acquisition warnings.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithWaitObserver records acquisition wait times in seconds.
func WithWaitObserver(o prometheus.Observer) Option {
	return func(b *Bus) { b.waits = o }
}

// WithSlowThreshold logs a warning when an acquisition waits longer than d.
func WithSlowThreshold(d time.Duration) Option {
	return func(b *Bus) { b.slowLog = d }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		sem:     make(chan struct{}, 1),
		log:     zap.NewNop(),
		slowLog: time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Guard is one held acquisition. Release is safe to call more than once and
// from a deferred call on every exit path.
type Guard struct {
	b    *Bus
	once sync.Once
}

// Release gives the bus back.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() { <-g.b.sem })
}

// Acquire blocks until the bus is free.
func (b *Bus) Acquire() *Guard {
	start := time.Now()
	b.sem <- struct{}{}
	b.observe(time.Since(start))
	return &Guard{b: b}
}

// AcquireContext blocks until the bus is free or ctx is done.
func (b *Bus) AcquireContext(ctx context.Context) (*Guard, error) {
	start := time.Now()
	select {
	case b.sem <- struct{}{}:
		b.observe(time.Since(start))
		return &Guard{b: b}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the bus only if nobody holds it.
func (b *Bus) TryAcquire() (*Guard, bool) {
	select {
	case b.sem <- struct{}{}:
		b.observe(0)
		return &Guard{b: b}, true
	default:
		return nil, false
	}
}

// Do runs fn while holding the bus. The bus is released even if fn panics.
func (b *Bus) Do(fn func() error) error {
	g := b.Acquire()
	defer g.Release()
	return fn()
}

// Held reports whether someone currently holds the bus.
func (b *Bus) Held() bool {
	return len(b.sem) == 1
}

func (b *Bus) observe(wait time.Duration) {
	if b.waits != nil {
		b.waits.Observe(wait.Seconds())
	}
	if b.slowLog > 0 && wait > b.slowLog {
		b.log.Warn("slow bus acquisition", zap.Duration("wait", wait))
	}
}
