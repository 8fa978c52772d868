// Package keys exposes the key lifecycle surface: issuance, revocation and
// listing. Tokens appear in full exactly once, in the issuance response;
// every listing masks them down to a trailing fragment.
package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/keycodec"
	"lynxa/internal/model"

	"github.com/gin-gonic/gin"
)

// ownerLocalPart matches the part of the owner address before the "@".
var ownerLocalPart = regexp.MustCompile(`^[A-Za-z0-9._%+-]+$`)

// Handler serves the key lifecycle endpoints.
type Handler struct {
	codec  keycodec.Codec
	db     db.Service
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler creates a key lifecycle handler.
func NewHandler(codec keycodec.Codec, dbService db.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{codec: codec, db: dbService, cfg: cfg, logger: logger.With("component", "keys")}
}

// RegisterRoutes mounts the key lifecycle endpoints behind the given middleware.
func RegisterRoutes(router gin.IRouter, h *Handler, middleware ...gin.HandlerFunc) {
	group := router.Group("/v1/keys", middleware...)
	group.POST("", h.Issue)
	group.GET("", h.List)
	group.DELETE("/:token", h.Revoke)
}

type issueRequest struct {
	Owner string `json:"owner" binding:"required"`
	Plan  string `json:"plan"`
}

// Issue mints a new key for an owner. The owner address is validated
// before any store write; the plan decides the key's rate limit.
func (h *Handler) Issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": "owner is required"}})
		return
	}

	owner := strings.ToLower(strings.TrimSpace(req.Owner))
	if err := h.validateOwner(owner); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_owner", "message": err.Error()}})
		return
	}

	plan := req.Plan
	if plan == "" {
		plan = h.cfg.RateLimit.DefaultPlan
	}
	if _, ok := h.cfg.RateLimit.PlanLimits[plan]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_plan", "message": fmt.Sprintf("unknown plan: %s", plan)}})
		return
	}

	token, expiresAt, err := h.codec.Issue(owner)
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "failed to generate key"}})
		return
	}

	key := &model.APIKey{
		Token:     token,
		Owner:     owner,
		Plan:      plan,
		RateLimit: h.cfg.PlanRateLimit(plan),
		ExpiresAt: expiresAt,
	}
	if err := h.db.CreateAPIKey(key); err != nil {
		if errors.Is(err, db.ErrDuplicateToken) {
			// With 256 bits of entropy this is effectively unreachable.
			h.logger.Error("Token collision on issuance")
			c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "duplicate_token", "message": "token collision, retry the request"}})
			return
		}
		h.logger.Error("Failed to persist new key", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to persist key"}})
		return
	}

	h.logger.Info("Issued new key", "owner", owner, "plan", plan, "key_suffix", safeTokenSuffix(token))
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// Revoke soft-revokes a key. Revoking an already-revoked key succeeds with
// the same observable state; only a never-issued token gets a 404.
func (h *Handler) Revoke(c *gin.Context) {
	token := c.Param("token")
	if err := h.db.RevokeAPIKey(token); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "no such key"}})
			return
		}
		h.logger.Error("Failed to revoke key", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to revoke key"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

type listedKey struct {
	ID        uint      `json:"id"`
	Token     string    `json:"token"`
	Owner     string    `json:"owner"`
	Plan      string    `json:"plan"`
	RateLimit int       `json:"rate_limit"`
	Revoked   bool      `json:"revoked"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns an owner's keys, newest first, with tokens masked.
func (h *Handler) List(c *gin.Context) {
	owner := strings.ToLower(strings.TrimSpace(c.Query("owner")))
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_request", "message": "owner query parameter is required"}})
		return
	}

	keys, err := h.db.ListAPIKeysByOwner(owner)
	if err != nil {
		h.logger.Error("Failed to list keys", "owner", owner, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "store_unavailable", "message": "failed to list keys"}})
		return
	}

	listed := make([]listedKey, len(keys))
	for i, key := range keys {
		listed[i] = listedKey{
			ID:        key.ID,
			Token:     maskToken(key.Token),
			Owner:     key.Owner,
			Plan:      key.Plan,
			RateLimit: key.RateLimit,
			Revoked:   key.Revoked,
			ExpiresAt: key.ExpiresAt,
			CreatedAt: key.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": listed})
}

// validateOwner enforces the configured owner domain before any store write.
func (h *Handler) validateOwner(owner string) error {
	local, domain, found := strings.Cut(owner, "@")
	if !found || local == "" || !ownerLocalPart.MatchString(local) {
		return fmt.Errorf("owner must be a valid email address")
	}
	if domain != h.cfg.Auth.OwnerDomain {
		return fmt.Errorf("owner must be a %s address", h.cfg.Auth.OwnerDomain)
	}
	return nil
}

// maskToken hides all but the trailing fragment of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return "********" + token[len(token)-4:]
}

// safeTokenSuffix returns the last 4 characters of a token for logging.
func safeTokenSuffix(token string) string {
	if len(token) > 4 {
		return token[len(token)-4:]
	}
	return token
}
