package chat

import (
	"time"

	"lynxa/internal/auth"
	"lynxa/internal/model"
	"lynxa/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CompletionHandler wraps the proxy in a gin handler that records exactly
// one usage event per request attempt, successful or not. Recording runs
// after the response has been written and can never alter it.
func (p *Proxy) CompletionHandler(recorder *usage.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		capture := &usageCapture{}
		c.Request = c.Request.WithContext(withUsageCapture(c.Request.Context(), capture))

		p.ServeHTTP(c.Writer, c.Request)

		principal, ok := auth.PrincipalFrom(c)
		if !ok {
			// Unauthenticated requests never reach this handler; nothing to record.
			return
		}

		_, inputTokens, outputTokens := capture.totals()
		recorder.Record(model.UsageEvent{
			KeyToken:       principal.KeyToken,
			Endpoint:       c.FullPath(),
			Method:         c.Request.Method,
			StatusCode:     c.Writer.Status(),
			InputTokens:    inputTokens,
			OutputTokens:   outputTokens,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			RequestID:      uuid.NewString(),
		})
	}
}
