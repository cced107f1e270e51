package hw

import (
	"sync"
	"time"
)

// SystemClock is a Clock backed by the Go monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock whose zero is now.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) NowMs() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}

func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// FakeClock only moves when told to. Sleep advances it.
type FakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

// NewFakeClock returns a fake clock at ms.
func NewFakeClock(ms uint64) *FakeClock {
	return &FakeClock{now: time.Duration(ms) * time.Millisecond}
}

func (c *FakeClock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.now / time.Millisecond)
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}
