package middleware

import (
	"crowdlink/pkg/config"
	apperrors "crowdlink/pkg/errors"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 4096

// NewHTTPRateLimitMiddleware gives every client IP its own token bucket,
// sized like the relay's per-connection envelope budget. Buckets of the
// least recently seen clients are dropped once maxTrackedClients is reached.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limit := rate.Limit(cfg.RateLimiting.MessagesPerSecond)
	burst := cfg.RateLimiting.Burst
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedClients)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter, ok := buckets.Get(ip)
		if !ok {
			fresh := rate.NewLimiter(limit, burst)
			// another request for ip may have raced us here
			if prev, found, _ := buckets.PeekOrAdd(ip, fresh); found {
				limiter = prev
			} else {
				limiter = fresh
			}
		}
		if !limiter.Allow() {
			abortWithError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}
