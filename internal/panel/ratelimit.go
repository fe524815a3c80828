package panel

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter throttles the panel's public endpoints (trial signup, the
// billing webhook) per client with a sliding window. Clients that go quiet
// are swept out so the map does not grow with every IP that ever hit the
// endpoint.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	clients   map[string][]time.Time
	nextSweep time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window per
// client.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:     limit,
		window:    window,
		clients:   make(map[string][]time.Time),
		nextSweep: time.Now().Add(window),
	}
}

// Allow records one request for the client and reports whether it fits the
// window.
func (rl *RateLimiter) Allow(client string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextSweep) {
		rl.sweep(cutoff)
		rl.nextSweep = now.Add(rl.window)
	}

	recent := pruneBefore(rl.clients[client], cutoff)
	if len(recent) >= rl.limit {
		rl.clients[client] = recent
		return false
	}
	rl.clients[client] = append(recent, now)
	return true
}

// sweep drops clients whose every request fell out of the window. Callers
// hold rl.mu.
func (rl *RateLimiter) sweep(cutoff time.Time) {
	for client, times := range rl.clients {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.clients, client)
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// Middleware throttles requests by client IP. Refusals carry a Retry-After
// hint of the window length.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP resolves the caller's address, honoring the first hop of
// X-Forwarded-For when a proxy sits in front of the panel.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
