package server

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gigline/internal/config"
	"gigline/internal/metrics"
)

// maxLimiters bounds the per-key table; it is reset wholesale when exceeded.
const maxLimiters = 10000

// rateLimiter keeps one token bucket per authenticated actor, falling back to
// the remote address for anonymous requests.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   *zap.Logger
}

func newRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *rateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *rateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) >= maxLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if p, ok := principalFromContext(r.Context()); ok && p.ActorID != "" {
			key = "actor:" + p.ActorID
		}
		if !rl.limiter(key).Allow() {
			metrics.RateLimited.WithLabelValues("http").Inc()
			rl.logger.Info("request rate limited", zap.String("key", key), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
