// Package limits applies per-caller request rate limits.
package limits

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
)

// Operations with their own budgets.
const (
	OpExecute = "execute"
	OpQuery   = "query"
)

const (
	defaultIdleTTL    = 10 * time.Minute
	defaultMaxBuckets = 10000
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per caller and operation.
// Buckets idle for longer than IdleTTL are pruned; a refilled bucket is
// indistinguishable from a fresh one.
type Limiter struct {
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
	// MaxBuckets caps the tracked buckets; the least recently used is dropped.
	MaxBuckets int
	Now        func() time.Time

	mu        sync.Mutex
	perMinute map[string]int
	buckets   map[string]*bucket
	lastPrune time.Time
}

// New builds a limiter; an operation without a positive budget is unlimited.
func New(perMinute map[string]int) *Limiter {
	budgets := make(map[string]int, len(perMinute))
	for op, n := range perMinute {
		budgets[op] = n
	}
	return &Limiter{perMinute: budgets, buckets: make(map[string]*bucket)}
}

// Allow consumes one token for callerID or returns an errs.RateLimitError.
func (l *Limiter) Allow(op, callerID string) error {
	if l == nil {
		return nil
	}
	limit := l.perMinute[op]
	if limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	l.prune(now)
	key := op + ":" + callerID
	b := l.buckets[key]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)}
		l.buckets[key] = b
		l.evict()
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return &errs.RateLimitError{Caller: callerID}
	}
	return nil
}

// Len reports the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) idleTTL() time.Duration {
	if l.IdleTTL > 0 {
		return l.IdleTTL
	}
	return defaultIdleTTL
}

// prune runs at most once per IdleTTL.
func (l *Limiter) prune(now time.Time) {
	ttl := l.idleTTL()
	if now.Sub(l.lastPrune) < ttl {
		return
	}
	l.lastPrune = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= ttl {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) evict() {
	limit := l.MaxBuckets
	if limit <= 0 {
		limit = defaultMaxBuckets
	}
	for len(l.buckets) > limit {
		var oldestKey string
		var oldest time.Time
		for key, b := range l.buckets {
			if oldestKey == "" || b.lastSeen.Before(oldest) {
				oldestKey, oldest = key, b.lastSeen
			}
		}
		delete(l.buckets, oldestKey)
	}
}
