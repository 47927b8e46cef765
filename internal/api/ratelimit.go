package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// throttle is a keyed token bucket. Keys are remote IPs on the login path
// and user IDs everywhere else.
type throttle struct {
	mu      sync.Mutex
	clients map[string]*refillBucket
	perSec  float64
	burst   float64
}

type refillBucket struct {
	level   float64
	refill  time.Time // last refill calculation
	touched time.Time // last take, for sweeping
}

func newThrottle(perSecond float64, burst int) *throttle {
	return &throttle{
		clients: make(map[string]*refillBucket),
		perSec:  perSecond,
		burst:   float64(burst),
	}
}

// take spends one token from key's bucket, topping it up for the time
// elapsed since the last take. A fresh key starts with a full bucket.
func (t *throttle) take(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	b := t.clients[key]
	if b == nil {
		b = &refillBucket{level: t.burst, refill: now}
		t.clients[key] = b
	}

	b.level += now.Sub(b.refill).Seconds() * t.perSec
	if b.level > t.burst {
		b.level = t.burst
	}
	b.refill = now
	b.touched = now

	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

func (t *throttle) sweep(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	for key, b := range t.clients {
		if b.touched.Before(cutoff) {
			delete(t.clients, key)
		}
	}
}

// runSweeper drops idle buckets on a ticker until ctx is cancelled, so the
// client map does not grow without bound.
func (t *throttle) runSweeper(ctx context.Context, every, olderThan time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.sweep(olderThan)
			}
		}
	}()
}

// throttleLoginsByIP limits unauthenticated login attempts per remote IP.
// RemoteAddr holds the client IP already (the RealIP middleware runs
// first); the port is stripped so reconnects share a bucket.
func throttleLoginsByIP(t *throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !t.take(ip) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// throttleByUser limits authenticated requests per user ID. Requests with
// no identity pass through; the auth middleware already rejected them or
// the route is public.
func throttleByUser(t *throttle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := getIdentityFromContext(r.Context())
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !t.take(identity.UserID) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
