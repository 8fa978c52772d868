package admin

import (
	"errors"
	"net/http"
	"strconv"

	"lynxa/internal/db"
	"lynxa/internal/model"
	"lynxa/internal/upstream"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// Handler serves the admin CRUD API for keys, users and organizations.
type Handler struct {
	db   db.Service
	pool upstream.Manager
}

// NewHandler creates an admin handler.
func NewHandler(dbService db.Service, pool upstream.Manager) *Handler {
	return &Handler{db: dbService, pool: pool}
}

func parseIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return uint(id), true
}

// --- Provider keys ---

// KeysRequest is the batch add/delete payload.
type KeysRequest struct {
	Keys []string `json:"keys"`
}

func (h *Handler) ListProviderKeysHandler(c *gin.Context) {
	keys, err := h.db.ListProviderKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list provider keys"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) CreateProviderKeyHandler(c *gin.Context) {
	var key model.ProviderKey
	if err := c.ShouldBindJSON(&key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if key.Status == "" {
		key.Status = "active"
	}
	if err := h.db.CreateProviderKey(&key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create provider key"})
		return
	}
	c.JSON(http.StatusCreated, key)
}

func (h *Handler) GetProviderKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	key, err := h.db.GetProviderKey(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider key not found"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) UpdateProviderKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var update model.ProviderKey
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	key, err := h.db.GetProviderKey(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Provider key not found"})
		return
	}
	if update.Key != "" {
		key.Key = update.Key
	}
	if update.Status != "" {
		key.Status = update.Status
	}
	if err := h.db.UpdateProviderKey(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update provider key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) DeleteProviderKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.db.DeleteProviderKey(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete provider key"})
		return
	}
	c.Status(http.StatusNoContent)
}

// TestProviderKeyHandler runs a synchronous health check against one key.
func (h *Handler) TestProviderKeyHandler(c *gin.Context) {
	if h.pool == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Key pool not configured"})
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.pool.TestKeyByID(id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Key failed health check", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) BatchAddProviderKeysHandler(c *gin.Context) {
	var req KeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Keys list cannot be empty"})
		return
	}
	if err := h.db.BatchAddProviderKeys(req.Keys); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Keys added successfully"})
}

func (h *Handler) BatchDeleteProviderKeysHandler(c *gin.Context) {
	var req KeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Keys list cannot be empty"})
		return
	}
	if err := h.db.BatchDeleteProviderKeys(req.Keys); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Keys deleted successfully"})
}

// --- Client keys ---

func (h *Handler) ListClientKeysHandler(c *gin.Context) {
	keys, err := h.db.ListAPIKeys()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list client keys"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) GetClientKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	key, err := h.db.GetAPIKey(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Client key not found"})
		return
	}
	c.JSON(http.StatusOK, key)
}

// UpdateClientKeyHandler changes a key's plan or rate limit. Revocation is
// one-way: a revoked key cannot be un-revoked through this endpoint.
func (h *Handler) UpdateClientKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var update struct {
		Plan      *string `json:"plan"`
		RateLimit *int    `json:"rate_limit"`
		Revoked   *bool   `json:"revoked"`
	}
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	key, err := h.db.GetAPIKey(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Client key not found"})
		return
	}
	if update.Plan != nil {
		key.Plan = *update.Plan
	}
	if update.RateLimit != nil {
		key.RateLimit = *update.RateLimit
	}
	if update.Revoked != nil && *update.Revoked {
		key.Revoked = true
	}
	if err := h.db.UpdateAPIKey(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update client key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

// ResetClientKeyUsageHandler zeroes the usage counters on every client key.
func (h *Handler) ResetClientKeyUsageHandler(c *gin.Context) {
	if err := h.db.ResetAllAPIKeyUsage(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset usage counters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Usage counters reset"})
}

func (h *Handler) DeleteClientKeyHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.db.DeleteAPIKey(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete client key"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Users ---

type userRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	OrganizationID uint   `json:"organization_id"`
}

func (h *Handler) ListUsersHandler(c *gin.Context) {
	users, err := h.db.ListUsers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) CreateUserHandler(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
		return
	}
	user := model.User{
		Email:          req.Email,
		PasswordHash:   string(hash),
		OrganizationID: req.OrganizationID,
	}
	if err := h.db.CreateUser(&user); err != nil {
		if errors.Is(err, db.ErrDuplicateToken) {
			c.JSON(http.StatusConflict, gin.H{"error": "Email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) GetUserHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	user, err := h.db.GetUser(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) UpdateUserHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	user, err := h.db.GetUser(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if req.Email != "" {
		user.Email = req.Email
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}
		user.PasswordHash = string(hash)
	}
	if req.OrganizationID != 0 {
		user.OrganizationID = req.OrganizationID
	}
	if err := h.db.UpdateUser(user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) DeleteUserHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.db.DeleteUser(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete user"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Organizations ---

func (h *Handler) ListOrganizationsHandler(c *gin.Context) {
	orgs, err := h.db.ListOrganizations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list organizations"})
		return
	}
	c.JSON(http.StatusOK, orgs)
}

func (h *Handler) CreateOrganizationHandler(c *gin.Context) {
	var org model.Organization
	if err := c.ShouldBindJSON(&org); err != nil || org.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required"})
		return
	}
	if org.Plan == "" {
		org.Plan = "free"
	}
	if err := h.db.CreateOrganization(&org); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create organization"})
		return
	}
	c.JSON(http.StatusCreated, org)
}

func (h *Handler) GetOrganizationHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	org, err := h.db.GetOrganization(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
		return
	}
	c.JSON(http.StatusOK, org)
}

func (h *Handler) UpdateOrganizationHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var update model.Organization
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	org, err := h.db.GetOrganization(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
		return
	}
	if update.Name != "" {
		org.Name = update.Name
	}
	if update.Plan != "" {
		org.Plan = update.Plan
	}
	if update.StripeCustomerID != "" {
		org.StripeCustomerID = update.StripeCustomerID
	}
	if err := h.db.UpdateOrganization(org); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update organization"})
		return
	}
	c.JSON(http.StatusOK, org)
}

func (h *Handler) DeleteOrganizationHandler(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.db.DeleteOrganization(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete organization"})
		return
	}
	c.Status(http.StatusNoContent)
}
