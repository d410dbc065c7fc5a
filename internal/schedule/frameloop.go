package schedule

import (
	"context"
	"sync"
	"time"
)

// FrameLoop is a RunSoon implementation for hosts without a native frame
// callback: a ticker stands in for the redraw cycle, and callbacks queued
// during one tick run at the start of the next.
type FrameLoop struct {
	interval time.Duration

	mu      sync.Mutex
	pending []func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFrameLoop(interval time.Duration) *FrameLoop {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &FrameLoop{interval: interval, stopCh: make(chan struct{})}
}

// RunSoon queues fn for the next tick. Each call results in exactly one
// invocation of fn, in queue order.
func (f *FrameLoop) RunSoon(fn func()) {
	f.mu.Lock()
	f.pending = append(f.pending, fn)
	f.mu.Unlock()
}

// Start runs the tick loop until ctx is done or Stop is called.
func (f *FrameLoop) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.tick()
			}
		}
	}()
}

func (f *FrameLoop) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

// tick swaps out the pending batch and runs it. Callbacks queued while the
// batch runs land in the next tick, preserving the single-shot contract.
func (f *FrameLoop) tick() {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}
