package ratelimit

import "sync/atomic"

// Gate caps the number of concurrent connections
type Gate struct {
	max  int64
	live int64
}

// NewGate creates gate admitting up to max holders, max <= 0 is unlimited
func NewGate(max int) *Gate {
	return &Gate{max: int64(max)}
}

// Acquire takes a slot if one is free
func (g *Gate) Acquire() bool {
	for {
		n := atomic.LoadInt64(&g.live)
		max := atomic.LoadInt64(&g.max)
		if max > 0 && n >= max {
			return false
		}
		if atomic.CompareAndSwapInt64(&g.live, n, n+1) {
			return true
		}
	}
}

// SetMax changes the cap, holders above a lowered cap are not evicted
func (g *Gate) SetMax(max int) {
	atomic.StoreInt64(&g.max, int64(max))
}

// Release frees a slot taken by Acquire
func (g *Gate) Release() {
	atomic.AddInt64(&g.live, -1)
}

// Live is the number of held slots
func (g *Gate) Live() int {
	return int(atomic.LoadInt64(&g.live))
}
