package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"lynxa/internal/billing"
	"lynxa/internal/chat"
	"lynxa/internal/config"
	"lynxa/internal/db"
	"lynxa/internal/keycodec"
	"lynxa/internal/logger"
	"lynxa/internal/metrics"
	"lynxa/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// noopPool satisfies upstream.Manager without any provider keys.
type noopPool struct{}

func (noopPool) GetNextKey() (string, error) { return "", nil }
func (noopPool) HandleKeyFailure(key string) {}
func (noopPool) HandleKeySuccess(key string) {}
func (noopPool) ReviveDisabledKeys()         {}
func (noopPool) CheckAllKeysHealth()         {}
func (noopPool) GetAvailableKeyCount() int   { return 0 }
func (noopPool) TestKeyByID(id uint) error   { return nil }
func (noopPool) Close()                      {}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"},
		Auth:     config.AuthConfig{Strategy: "opaque", KeyTTLDays: 30, OwnerDomain: "gmail.com"},
		RateLimit: config.RateLimitConfig{
			WindowSeconds: 3600,
			PlanLimits:    map[string]int{"free": 60},
			DefaultPlan:   "free",
		},
		Billing: config.BillingConfig{
			StripeWebhookSecret: "whsec_test",
			InputTokenPrice:     "0.000075",
			OutputTokenPrice:    "0.0003",
		},
		Admin: config.AdminConfig{Password: "hunter2"},
	}
	log := logger.New(false)

	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		t.Fatalf("Failed to create db service: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pool := noopPool{}
	proxy, err := chat.NewProxy(pool, cfg, log)
	if err != nil {
		t.Fatalf("Failed to create proxy: %v", err)
	}

	codec, err := keycodec.New(cfg.Auth)
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	pricing, err := billing.NewPricing(cfg.Billing)
	if err != nil {
		t.Fatalf("Failed to create pricing: %v", err)
	}

	recorder := usage.NewRecorder(dbService, log, m)
	t.Cleanup(recorder.Close)

	return setupRouter(cfg, log, dbService, m, registry, pool, proxy, codec, pricing, recorder)
}

func TestHealthzEndpoint(t *testing.T) {
	router := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	router := setupTestRouter(t)

	// Generate one request so the HTTP counters have something to show.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lynxa_http_requests_total")
}

func TestProtectedRoutesRequireCredentials(t *testing.T) {
	router := setupTestRouter(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/chat/completions"},
		{http.MethodGet, "/v1/usage"},
		{http.MethodGet, "/v1/usage/daily"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}

	// Key lifecycle and admin surfaces sit behind basic auth.
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/keys"},
		{http.MethodGet, "/admin/provider-keys"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
	}
}

func TestWebhookRouteMounted(t *testing.T) {
	router := setupTestRouter(t)

	// No signature: rejected by the handler, not a 404.
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCustomRecoveryReturnsJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(customRecovery(logger.New(false)))
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}
