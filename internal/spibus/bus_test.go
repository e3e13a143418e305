package spibus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestGuardReleaseIdempotent(t *testing.T) {
	b := New()
	g := b.Acquire()
	if !b.Held() {
		t.Fatalf("Held() = false after Acquire")
	}
	g.Release()
	g.Release()
	if b.Held() {
		t.Fatalf("Held() = true after Release")
	}
	g2, ok := b.TryAcquire()
	if !ok {
		t.Fatalf("TryAcquire failed on a free bus")
	}
	if _, ok := b.TryAcquire(); ok {
		t.Fatalf("TryAcquire succeeded on a held bus")
	}
	g2.Release()
}

func TestDoReleasesOnErrorAndPanic(t *testing.T) {
	b := New()
	want := errors.New("boom")
	if err := b.Do(func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Do() = %v, want %v", err, want)
	}
	if b.Held() {
		t.Fatalf("bus still held after error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = b.Do(func() error { panic("storage driver") })
	}()
	if b.Held() {
		t.Fatalf("bus still held after panic")
	}
}

func TestAcquireContextTimeout(t *testing.T) {
	b := New()
	g := b.Acquire()
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.AcquireContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AcquireContext() err = %v, want deadline exceeded", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	b := New()
	var (
		wg     sync.WaitGroup
		inside int
		maxIn  int
		mu     sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Do(func() error {
					mu.Lock()
					inside++
					if inside > maxIn {
						maxIn = inside
					}
					mu.Unlock()
					time.Sleep(10 * time.Microsecond)
					mu.Lock()
					inside--
					mu.Unlock()
					return nil
				})
			}
		}()
	}
	wg.Wait()
	if maxIn != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxIn)
	}
}

func TestWaitObserver(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "wait_seconds"})
	b := New(WithWaitObserver(h))
	b.Acquire().Release()
	b.Acquire().Release()

	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("sample count = %d, want 2", got)
	}
}

func TestSoftWatchdog(t *testing.T) {
	w := NewSoftWatchdog(50*time.Millisecond, nil)
	now := time.Now()

	if !w.Check(now.Add(time.Hour)) {
		t.Fatalf("disarmed watchdog reported a miss")
	}

	w.Arm()
	if !w.Check(time.Now()) {
		t.Fatalf("fresh feed reported a miss")
	}
	if w.Check(time.Now().Add(time.Second)) {
		t.Fatalf("stale feed not reported")
	}
	if w.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1", w.Misses())
	}
	w.Disarm()
	w.Disarm()
	if !w.Check(time.Now().Add(time.Hour)) {
		t.Fatalf("disarmed watchdog reported a miss")
	}
}
