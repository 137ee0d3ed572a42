// Package ratelimit paces requests sent to the statistics API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter caps the request rate of the HTTP client.
type Limiter struct {
	mu           sync.RWMutex
	limiter      *rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	waits        int64
}

// NewLimiter creates a new rate limiter. A non-positive rate disables limiting.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(limit, burst),
		defaultRate:  limit,
		defaultBurst: burst,
	}
}

// Wait blocks until a request is allowed or context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return l.limiter.Wait(ctx)
}

// Allow checks if a request is allowed without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetRate updates the rate limit.
func (l *Limiter) SetRate(requestsPerSecond float64, burst int) {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		limit = rate.Inf
	}
	l.limiter.SetLimit(limit)
	l.limiter.SetBurst(burst)

	l.mu.Lock()
	l.defaultRate = limit
	l.defaultBurst = burst
	l.mu.Unlock()
}

// Stats returns rate limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LimiterStats{
		Rate:  float64(l.defaultRate),
		Burst: l.defaultBurst,
		Waits: l.waits,
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
	Waits int64   `json:"waits"`
}

// Pacer inserts the fixed pause the protocol observes between probes.
// It is not adaptive: every call sleeps the same duration.
type Pacer struct {
	pause time.Duration
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	pauses int
	total  time.Duration
}

// NewPacer creates a pacer that sleeps for pause on every call.
func NewPacer(pause time.Duration) *Pacer {
	return &Pacer{pause: pause, sleep: sleepContext}
}

// NewPacerWithSleep creates a pacer with a custom sleep function, used by tests.
func NewPacerWithSleep(pause time.Duration, sleep func(ctx context.Context, d time.Duration) error) *Pacer {
	return &Pacer{pause: pause, sleep: sleep}
}

// Pause sleeps for the configured duration or until ctx is done.
func (p *Pacer) Pause(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}

	p.mu.Lock()
	p.pauses++
	p.total += p.pause
	p.mu.Unlock()

	if p.pause <= 0 {
		return ctx.Err()
	}
	return p.sleep(ctx, p.pause)
}

// Duration returns the configured pause.
func (p *Pacer) Duration() time.Duration {
	return p.pause
}

// Count returns how many pauses were taken.
func (p *Pacer) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses
}

// Total returns the accumulated pause time.
func (p *Pacer) Total() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
