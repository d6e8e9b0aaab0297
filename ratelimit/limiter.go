// Package ratelimit implements token-bucket admission control keyed by an
// arbitrary string, typically a provider name.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jbelanger/exitbook/logging"
)

// Limits declares the request budget for one key. The effective
// requests-per-second is the floor across all declared windows.
type Limits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	RequestsPerHour   float64 `yaml:"requests_per_hour"`
	BurstLimit        int     `yaml:"burst_limit"`
}

// EffectiveRPS returns the floor of the declared per-second, per-minute and
// per-hour rates.
func (l Limits) EffectiveRPS() float64 {
	rps := l.RequestsPerSecond
	if l.RequestsPerMinute > 0 {
		perMin := l.RequestsPerMinute / 60
		if rps == 0 || perMin < rps {
			rps = perMin
		}
	}
	if l.RequestsPerHour > 0 {
		perHour := l.RequestsPerHour / 3600
		if rps == 0 || perHour < rps {
			rps = perHour
		}
	}
	return rps
}

// Capacity returns the bucket size: the declared burst limit, else 1.
func (l Limits) Capacity() float64 {
	if l.BurstLimit > 0 {
		return float64(l.BurstLimit)
	}
	return 1
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rps        float64
	lastRefill time.Time
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rps
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Status reports the current state of one bucket.
type Status struct {
	Tokens       float64
	MaxTokens    float64
	EffectiveRPS float64
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	defaults Limits
	perKey   map[string]Limits
	logger   *logging.ComponentLogger
}

// NewLimiter creates a limiter with the given default limits.
func NewLimiter(defaults Limits, logger *logging.ComponentLogger) *Limiter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		defaults: defaults,
		perKey:   make(map[string]Limits),
		logger:   logger,
	}
}

// Configure sets key-specific limits, replacing any existing bucket so the
// new rate takes effect immediately.
func (l *Limiter) Configure(key string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perKey[key] = limits
	delete(l.buckets, key)
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	limits, ok := l.perKey[key]
	if !ok {
		limits = l.defaults
	}
	rps := limits.EffectiveRPS()
	if rps <= 0 {
		rps = 1
	}
	cap := limits.Capacity()
	b := &bucket{tokens: cap, capacity: cap, rps: rps, lastRefill: time.Now()}
	l.buckets[key] = b
	return b
}

// WaitToken blocks until one token is available for the key, returning the
// time spent waiting. The sleep is computed from the current deficit and the
// effective rate, then the take is re-attempted; waiters on the same key are
// admitted in roughly FIFO order and none can starve while another acquires
// more than once per refill interval.
func (l *Limiter) WaitToken(ctx context.Context, key string) (time.Duration, error) {
	b := l.bucketFor(key)
	start := time.Now()
	for {
		b.mu.Lock()
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			waited := time.Since(start)
			if waited > time.Second {
				l.logger.Debug().
					Str("key", key).
					Dur("waited", waited).
					Msg("Rate limit wait completed")
			}
			return waited, nil
		}
		deficit := 1 - b.tokens
		sleep := time.Duration(deficit / b.rps * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), ctx.Err()
		case <-timer.C:
		}
	}
}

// CanMakeRequest reports without blocking whether a token is available.
func (l *Limiter) CanMakeRequest(key string) bool {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens >= 1
}

// GetStatus exposes the current token count, capacity and effective rate.
func (l *Limiter) GetStatus(key string) Status {
	b := l.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return Status{Tokens: b.tokens, MaxTokens: b.capacity, EffectiveRPS: b.rps}
}

// Reset discards the bucket for a key; the next request recreates it full.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
