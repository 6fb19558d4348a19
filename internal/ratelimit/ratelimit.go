// Package ratelimit provides token buckets for inbound client messages.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// Limiter is a token bucket refilled at rate tokens per second up to burst.
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiter(rate, burst, time.Now)
}

func newLimiter(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// idleSince reports whether the limiter has gone unused since cutoff.
func (l *Limiter) idleSince(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate.Before(cutoff)
}

// ClientLimiters hands out one Limiter per connection id. Limiters are removed
// when their connection leaves; the sweeper drops any that sat unused for
// idleAfter, which covers connections that never called Remove.
type ClientLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    int
	now      func() time.Time

	sweepEvery time.Duration
	idleAfter  time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	cl := newClientLimiters(rate, burst, time.Now)
	go cl.sweeper()
	return cl
}

func newClientLimiters(rate float64, burst int, now func() time.Time) *ClientLimiters {
	return &ClientLimiters{
		limiters:   make(map[string]*Limiter),
		rate:       rate,
		burst:      burst,
		now:        now,
		sweepEvery: time.Minute,
		idleAfter:  10 * time.Minute,
		stop:       make(chan struct{}),
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

// Stop ends the sweeper. Safe to call more than once.
func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// sweep drops limiters unused for idleAfter and returns how many it removed.
func (cl *ClientLimiters) sweep() int {
	cutoff := cl.now().Add(-cl.idleAfter)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for id, limiter := range cl.limiters {
		if limiter.idleSince(cutoff) {
			delete(cl.limiters, id)
			removed++
		}
	}
	return removed
}

func (cl *ClientLimiters) sweeper() {
	ticker := time.NewTicker(cl.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			if n := cl.sweep(); n > 0 {
				log.Printf("Dropped %d idle rate limiters", n)
			}
		}
	}
}
