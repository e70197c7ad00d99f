package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket: burst tokens at most, refilled at rate per second.
type Limiter struct {
	rate  float64
	burst float64

	mu       sync.Mutex
	tokens   float64
	last     time.Time
	lastUsed time.Time
	now      func() time.Time
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	t := now()
	return &Limiter{
		rate:     rate,
		burst:    float64(burst),
		tokens:   float64(burst),
		last:     t,
		lastUsed: t,
		now:      now,
	}
}

func (l *Limiter) refill() {
	t := l.now()
	if elapsed := t.Sub(l.last).Seconds(); elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
	}
	l.last = t
	l.lastUsed = t
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUsed
}

// ClientLimiters hands out one Limiter per gateway and forgets limiters
// that have been idle longer than the idle timeout.
type ClientLimiters struct {
	rate  float64
	burst int
	idle  time.Duration
	now   func() time.Time

	mu       sync.RWMutex
	limiters map[string]*Limiter

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := newClientLimiters(rate, burst, 10*time.Minute, time.Now)
	go cl.cleanup(time.Minute)
	return cl
}

func newClientLimiters(rate float64, burst int, idle time.Duration, now func() time.Time) *ClientLimiters {
	return &ClientLimiters{
		rate:     rate,
		burst:    burst,
		idle:     idle,
		now:      now,
		limiters: make(map[string]*Limiter),
		stop:     make(chan struct{}),
	}
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[clientID]
	cl.mu.RUnlock()
	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if limiter, ok := cl.limiters[clientID]; ok {
		return limiter
	}
	limiter = newLimiter(cl.rate, cl.burst, cl.now)
	cl.limiters[clientID] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) sweep() int {
	cutoff := cl.now().Add(-cl.idle)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for id, limiter := range cl.limiters {
		if limiter.idleSince().Before(cutoff) {
			delete(cl.limiters, id)
			removed++
		}
	}
	return removed
}

func (cl *ClientLimiters) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sweep()
		}
	}
}
