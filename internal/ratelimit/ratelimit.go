// Package ratelimit implements a fixed sliding-window request counter
// keyed by caller identity.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second

	// StrictMaxRequests is the tighter variant used by deployments that
	// front untrusted callers.
	StrictMaxRequests = 60
)

type window struct {
	count       int
	windowStart time.Time
}

type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	callers map[string]*window
}

func New(max int, windowDur time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  windowDur,
		callers: map[string]*window{},
	}
}

func NewDefault() *Limiter {
	return New(DefaultMaxRequests, DefaultWindow)
}

func NewStrict() *Limiter {
	return New(StrictMaxRequests, DefaultWindow)
}

// Allow records one request for callerID at time now and reports whether it
// fits inside the current window. The counter resets once a full window has
// elapsed since windowStart.
func (l *Limiter) Allow(callerID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.callers[callerID]
	if !ok {
		w = &window{windowStart: now}
		l.callers[callerID] = w
	}
	if now.Sub(w.windowStart) >= l.window {
		w.count = 0
		w.windowStart = now
	}
	if w.count < l.max {
		w.count++
		return true
	}
	return false
}

// Remaining reports how many requests callerID may still submit in the
// current window.
func (l *Limiter) Remaining(callerID string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.callers[callerID]
	if !ok || now.Sub(w.windowStart) >= l.window {
		return l.max
	}
	if w.count >= l.max {
		return 0
	}
	return l.max - w.count
}
