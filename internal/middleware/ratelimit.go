package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
	"github.com/corvalhq/corval/pkg/response"
)

const (
	rateLimitKeyPrefix    = "ratelimit:"
	rateLimitLoggerModule = "ratelimit"
)

// RateLimit returns a fixed-window limiter keyed by (clientIP,path) with
// process-local counters. Multi-replica deployments should prefer
// RateLimitWithStore backed by Redis or the database cache so all replicas
// share the same counters.
func RateLimit(maxRequests int, window time.Duration) gin.HandlerFunc {
	return RateLimitWithStore(NewMemoryRateStore(), maxRequests, window)
}

// RateLimitWithStore limits requests per (clientIP,path) within a fixed
// window, tracking counters in the supplied store. A nil store falls back to
// the in-memory implementation. Store failures are logged and the request is
// allowed through.
func RateLimitWithStore(store RateStore, maxRequests int, window time.Duration) gin.HandlerFunc {
	if store == nil {
		store = NewMemoryRateStore()
	}

	return func(c *gin.Context) {
		if maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		key := rateLimitKeyPrefix + c.ClientIP() + "|" + c.FullPath()
		count, ttl, err := store.Increment(c.Request.Context(), key, window)
		if err != nil {
			logger.WithModule(rateLimitLoggerModule).Warn("rate limit store unavailable",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
			c.Next()
			return
		}

		remaining := maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(ttl.Seconds())))

		if count > maxRequests {
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
