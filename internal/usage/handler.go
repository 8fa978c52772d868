package usage

import (
	"net/http"
	"strconv"

	"lynxa/internal/auth"
	"lynxa/internal/billing"
	"lynxa/internal/db"

	"github.com/gin-gonic/gin"
)

// Handler serves the per-key usage reporting endpoints.
type Handler struct {
	db      db.Service
	pricing billing.Pricing
}

// NewHandler creates a usage reporting handler.
func NewHandler(dbService db.Service, pricing billing.Pricing) *Handler {
	return &Handler{db: dbService, pricing: pricing}
}

// Summary returns the calling key's aggregate usage and an estimated cost.
func (h *Handler) Summary(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "no principal on request"}})
		return
	}

	summary, err := h.db.UsageSummary(principal.KeyToken)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to load usage"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"owner":              principal.Owner,
		"usage":              summary,
		"estimated_cost_usd": h.pricing.EstimateCost(summary.InputTokens, summary.OutputTokens).StringFixed(6),
	})
}

// Daily returns day-bucketed usage for the calling key. The optional
// "days" query parameter caps the number of buckets (default 7, max 90).
func (h *Handler) Daily(c *gin.Context) {
	principal, ok := auth.PrincipalFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "no principal on request"}})
		return
	}

	days := 7
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_argument", "message": "days must be a positive integer"}})
			return
		}
		days = parsed
	}
	if days > 90 {
		days = 90
	}

	buckets, err := h.db.DailyUsage(principal.KeyToken, days)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to load usage"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"days": buckets})
}
