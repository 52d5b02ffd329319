package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
)

// ErrorWriter renders an error response; the server passes handler.WriteError.
type ErrorWriter func(w http.ResponseWriter, err error)

// RateLimiter keeps one token bucket per caller: the session user when there
// is one, otherwise the client IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	writeErr ErrorWriter
	logger   *slog.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMinute steady state with bursts of burst.
// Rejections are apperror.RateLimited, rendered by writeErr.
func NewRateLimiter(requestsPerMinute, burst int, writeErr ErrorWriter, logger *slog.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		rate:     rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		writeErr: writeErr,
		logger:   logger,
	}
}

func (rl *RateLimiter) getLimiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Handler must run after the session middleware so the user id is known.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			key = clientIP(r)
		}

		limiter := rl.getLimiter(key, time.Now())
		if !limiter.Allow() {
			rl.logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("path", r.URL.Path))

			retry := time.Duration(float64(time.Second) / float64(rl.rate))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.5)))
			rl.writeErr(w, apperror.RateLimited())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops buckets idle for longer than the TTL.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.limiters {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				rl.Cleanup(now)
			}
		}
	}()
}

// clientIP strips the port; RealIP has already rewritten RemoteAddr when a
// proxy header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
