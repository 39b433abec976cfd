package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Limiter is a token bucket refilled continuously at rate tokens per second
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterAt(rate, burst, time.Now)
}

func newLimiterAt(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

// refill must be called with l.mu held
func (l *Limiter) refill() {
	now := l.now()
	l.tokens += now.Sub(l.lastUpdate).Seconds() * l.rate
	l.lastUpdate = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
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
	return l.lastUpdate
}

// ClientLimiters hands out one Limiter per key (remote IP) and forgets keys
// that have been idle for longer than the eviction window.
type ClientLimiters struct {
	limiters map[string]*Limiter
	rate     float64
	burst    int
	idle     time.Duration
	mu       sync.RWMutex
}

func NewClientLimiters(rate float64, burst int) *ClientLimiters {
	return &ClientLimiters{
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

// PerMinute builds limiters allowing n requests per minute with a burst of n
func PerMinute(n int) *ClientLimiters {
	return NewClientLimiters(float64(n)/60, n)
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[key]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[key]; ok {
		return limiter
	}

	limiter = NewLimiter(cl.rate, cl.burst)
	cl.limiters[key] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

// Evict drops limiters untouched since before cutoff
func (cl *ClientLimiters) Evict(cutoff time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	evicted := 0
	for key, limiter := range cl.limiters {
		if limiter.idleSince().Before(cutoff) {
			delete(cl.limiters, key)
			evicted++
		}
	}
	return evicted
}

// Run evicts idle limiters until ctx is cancelled
func (cl *ClientLimiters) Run(ctx context.Context) error {
	ticker := time.NewTicker(cl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cl.Evict(time.Now().Add(-cl.idle))
		}
	}
}

// Middleware rejects requests with 429 once the caller's IP is out of tokens
func (cl *ClientLimiters) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.Get(clientIP(r)).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
