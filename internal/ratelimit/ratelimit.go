package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Full reports whether the bucket has refilled to capacity.
func (tb *TokenBucket) Full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	elapsed := tb.now().Sub(tb.lastRefill).Seconds()
	return tb.tokens+int(elapsed*float64(tb.rate)) >= tb.capacity
}

// HostLimiter rate limits new connections and requests per remote host, with
// optional global ceilings. A zero rate disables that limit.
type HostLimiter struct {
	mu          sync.Mutex
	globalConn  *TokenBucket
	globalReq   *TokenBucket
	perHostConn map[string]*TokenBucket
	perHostReq  map[string]*TokenBucket
	connRate    int
	reqRate     int
	burstSize   int
	now         func() time.Time
}

// Option configures a HostLimiter.
type Option func(*HostLimiter)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *HostLimiter) { l.now = now }
}

// NewHostLimiter creates a limiter. Rates are tokens per second.
func NewHostLimiter(globalConnRate, perHostConnRate, globalReqRate, perHostReqRate, burstSize int, opts ...Option) *HostLimiter {
	l := &HostLimiter{
		perHostConn: make(map[string]*TokenBucket),
		perHostReq:  make(map[string]*TokenBucket),
		connRate:    perHostConnRate,
		reqRate:     perHostReqRate,
		burstSize:   burstSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if globalConnRate > 0 {
		l.globalConn = newTokenBucket(globalConnRate, burstSize, l.now)
	}
	if globalReqRate > 0 {
		l.globalReq = newTokenBucket(globalReqRate, burstSize, l.now)
	}
	return l
}

// AllowConnection consumes a connection token for host.
func (l *HostLimiter) AllowConnection(host string) bool {
	if l == nil {
		return true
	}
	return l.allow(l.globalConn, l.perHostConn, l.connRate, host)
}

// AllowRequest consumes a request token for host.
func (l *HostLimiter) AllowRequest(host string) bool {
	if l == nil {
		return true
	}
	return l.allow(l.globalReq, l.perHostReq, l.reqRate, host)
}

func (l *HostLimiter) allow(global *TokenBucket, buckets map[string]*TokenBucket, rate int, host string) bool {
	if global != nil && !global.Allow() {
		return false
	}
	if rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, exists := buckets[host]
	if !exists {
		bucket = newTokenBucket(rate, l.burstSize, l.now)
		buckets[host] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Forget drops the buckets of hosts not in active once they have refilled, so a
// host whose connections keep being refused is still throttled.
func (l *HostLimiter) Forget(active map[string]bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for host, b := range l.perHostConn {
		if !active[host] && b.Full() {
			delete(l.perHostConn, host)
		}
	}
	for host, b := range l.perHostReq {
		if !active[host] && b.Full() {
			delete(l.perHostReq, host)
		}
	}
}

// Hosts returns how many hosts currently hold buckets.
func (l *HostLimiter) Hosts() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]struct{}, len(l.perHostConn))
	for h := range l.perHostConn {
		seen[h] = struct{}{}
	}
	for h := range l.perHostReq {
		seen[h] = struct{}{}
	}
	return len(seen)
}
