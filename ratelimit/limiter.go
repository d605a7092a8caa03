// Package ratelimit implements fixed window message counters and the
// concurrent connection gate.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Key identifies a counter
type Key string

// GlobalKey is the server wide counter
const GlobalKey Key = "global"

// IPKey is the counter of a single source address
func IPKey(ip net.IP) Key {
	if ip == nil {
		return "ip:unknown"
	}
	return Key("ip:" + ip.String())
}

// windows older than this many periods are dropped on prune
const pruneAfter = 2

// prune the window map once it grows past this size
const pruneThreshold = 4096

type window struct {
	start time.Time
	count int
}

// Limiter counts messages in fixed windows. A limit of 0 disables the counter.
type Limiter struct {
	mu      sync.Mutex
	period  time.Duration
	global  int
	perIP   int
	now     func() time.Time
	windows map[Key]*window
}

// Option configures the Limiter
type Option func(*Limiter)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(period time.Duration, global, perIP int, opts ...Option) *Limiter {
	l := &Limiter{
		period:  period,
		global:  global,
		perIP:   perIP,
		now:     time.Now,
		windows: make(map[Key]*window),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) limit(k Key) int {
	if k == GlobalKey {
		return l.global
	}
	return l.perIP
}

// current returns the live window for k, lazily starting a new one once the
// previous has expired
func (l *Limiter) current(k Key, now time.Time) *window {
	w, ok := l.windows[k]
	if !ok {
		w = &window{start: now}
		l.windows[k] = w
	} else if now.Sub(w.start) >= l.period {
		w.start = now
		w.count = 0
	}
	return w
}

// TryAcquire increments all counters if none of them would exceed its limit.
// Otherwise nothing is modified and false is returned.
func (l *Limiter) TryAcquire(keys ...Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > pruneThreshold {
		l.prune(now)
	}
	ws := make([]*window, 0, len(keys))
	for _, k := range keys {
		max := l.limit(k)
		if max <= 0 {
			continue
		}
		w := l.current(k, now)
		if w.count+1 > max {
			return false
		}
		ws = append(ws, w)
	}
	for _, w := range ws {
		w.count++
	}
	return true
}

// Count returns the number of acquisitions in the current window of k
func (l *Limiter) Count(k Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[k]
	if !ok || l.now().Sub(w.start) >= l.period {
		return 0
	}
	return w.count
}

// SetLimits changes thresholds, existing windows are kept
func (l *Limiter) SetLimits(global, perIP int) {
	l.mu.Lock()
	l.global, l.perIP = global, perIP
	l.mu.Unlock()
}

func (l *Limiter) prune(now time.Time) {
	for k, w := range l.windows {
		if now.Sub(w.start) >= pruneAfter*l.period {
			delete(l.windows, k)
		}
	}
}
