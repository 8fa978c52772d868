package ratelimit

import (
	"net/http"
	"strconv"

	"lynxa/internal/auth"
	"lynxa/internal/metrics"

	"github.com/gin-gonic/gin"
)

// Middleware enforces the principal's rate limit before the handler runs.
// It must be mounted after auth.Middleware. Denials are expected traffic,
// not faults; they are counted but not logged as errors.
func Middleware(accountant *Accountant, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := auth.PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "no principal on request"}})
			return
		}

		decision := accountant.Admit(principal.KeyToken, c.FullPath(), principal.RateLimit)
		if !decision.Admitted {
			if m != nil {
				m.RateLimitDenialsTotal.WithLabelValues(c.FullPath()).Inc()
			}
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               gin.H{"code": "rate_limit_exceeded", "message": "rate limit exceeded for this key"},
				"retry_after_seconds": decision.RetryAfterSeconds,
			})
			return
		}
		c.Next()
	}
}
