// Package ratelimit bounds how many calls one peer connection may issue.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window counter for one connection. A nil Limiter, or
// one built with a non-positive rate, allows everything.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
	denied      int
}

// New creates a Limiter that allows rate calls per window.
func New(rate int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow reports whether one more call fits in the current window.
func (l *Limiter) Allow() bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(time.Now())
	l.count++
	if l.count > l.rate {
		l.denied++
		return false
	}
	return true
}

// Denied returns the number of refused calls since creation.
func (l *Limiter) Denied() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.denied
}

func (l *Limiter) roll(now time.Time) {
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
}
