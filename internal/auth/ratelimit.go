package auth

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/xctf/xctf/internal/session"
)

// RateLimiter is a fixed-window limiter backed by redis. Keys are per-user
// when authenticated, per-client-IP otherwise.
type RateLimiter struct {
	rdb     *redis.Client
	enabled bool
}

// NewRateLimiter builds a limiter; enabled=false turns it into a no-op for
// development setups.
func NewRateLimiter(rdb *redis.Client, enabled bool) *RateLimiter {
	return &RateLimiter{rdb: rdb, enabled: enabled}
}

// Limit allows at most max requests per window on the route it wraps.
func (rl *RateLimiter) Limit(max int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.enabled {
				return next(c)
			}

			key := fmt.Sprintf("ratelimit:%s:%s", c.Path(), rl.subject(c))
			ctx := c.Request().Context()

			count, err := rl.rdb.Incr(ctx, key).Result()
			if err != nil {
				// Redis down must not take the platform with it.
				log.Printf("auth: rate limit incr %s: %v", key, err)
				return next(c)
			}
			if count == 1 {
				rl.rdb.Expire(ctx, key, window)
			}
			if count > int64(max) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func (rl *RateLimiter) subject(c echo.Context) string {
	if user := UserFrom(c); user != nil {
		return fmt.Sprintf("user:%d", user.ID)
	}
	return "ip:" + session.ClientIP(c.Request())
}
