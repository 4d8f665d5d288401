package admin

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"
)

const rateLimitKeyPrefix = "meemee:ratelimit:webhook:"

// RateLimiter is satisfied by *redis_rate.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// webhookLimiter throttles webhook callers per IP. When Redis is
// unreachable it falls back to an in-process token bucket.
type webhookLimiter struct {
	redis    RateLimiter
	limit    redis_rate.Limit
	log      *slog.Logger
	fallback sync.Map
}

func newWebhookLimiter(rl RateLimiter, perMinute int, log *slog.Logger) *webhookLimiter {
	if rl == nil || perMinute <= 0 {
		return &webhookLimiter{log: log}
	}
	return &webhookLimiter{redis: rl, limit: redis_rate.PerMinute(perMinute), log: log}
}

func (l *webhookLimiter) Handler(next http.Handler) http.Handler {
	if l.redis == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKeyPrefix + clientIP(r)
		res, err := l.redis.Allow(r.Context(), key, l.limit)
		if err != nil {
			l.log.Warn("rate limiter unavailable, using local bucket", "err", err)
			res = l.allowLocal(key)
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit.Rate))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed == 0 {
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *webhookLimiter) allowLocal(key string) *redis_rate.Result {
	perSec := float64(l.limit.Rate) / l.limit.Period.Seconds()
	v, _ := l.fallback.LoadOrStore(key, rate.NewLimiter(rate.Limit(perSec), l.limit.Burst))
	limiter := v.(*rate.Limiter)

	res := &redis_rate.Result{Limit: l.limit, RetryAfter: -1}
	if limiter.Allow() {
		res.Allowed = 1
	} else {
		res.RetryAfter = time.Duration(float64(time.Second) / perSec)
	}
	if remaining := int(limiter.Tokens()); remaining > 0 {
		res.Remaining = remaining
	}
	return res
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
