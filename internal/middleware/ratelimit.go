package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/retire-cluster/coordinator/internal/pkg/errors"
	"github.com/retire-cluster/coordinator/internal/pkg/response"
)

// RateLimiter is the counter backend, satisfied by database.RedisClient.
type RateLimiter interface {
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RateLimit caps requests per client IP per window. The limiter failing
// open is deliberate: losing Redis must not take the API down with it.
func RateLimit(limiter RateLimiter, limit int64, window time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			key := fmt.Sprintf("ratelimit:%s:%d", ip, time.Now().Unix()/int64(window.Seconds()))

			count, err := limiter.IncrWithExpire(r.Context(), key, window)
			if err != nil {
				log.Warn("rate limiter unavailable", slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				response.Error(w, errors.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
