package middleware

import (
	"net/http"
	"strconv"
	"time"

	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimitMiddleware implements fixed-window rate limiting in Redis, keyed
// by client IP and route. Requests pass through when Redis is unreachable.
func RateLimitMiddleware(rdb redis.Cmdable, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil || limit <= 0 || c.FullPath() == "/health" || c.FullPath() == "/ready" {
			c.Next()
			return
		}

		key := "ratelimit:" + c.ClientIP() + ":" + c.FullPath()

		ctx, cancel := utils.WithShortTimeout(c.Request.Context())
		defer cancel()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			c.Set("ratelimit_error", err.Error())
			c.Next()
			return
		}

		if count == 1 {
			rdb.Expire(ctx, key, window)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		if count > int64(limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

			utils.RespondWithError(c, http.StatusTooManyRequests,
				"rate_limit_exceeded",
				"Too many requests. Please try again later.",
				gin.H{
					"retry_after": int(window.Seconds()),
					"limit":       limit,
				})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(limit-int(count)))
		c.Next()
	}
}
