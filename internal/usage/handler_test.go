package usage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lynxa/internal/auth"
	"lynxa/internal/billing"
	"lynxa/internal/config"
	"lynxa/internal/db"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type summaryStubDB struct {
	db.Service
	summary   *db.UsageSummary
	daily     []db.DailyUsage
	err       error
	lastToken string
	lastDays  int
}

func (s *summaryStubDB) UsageSummary(token string) (*db.UsageSummary, error) {
	s.lastToken = token
	return s.summary, s.err
}

func (s *summaryStubDB) DailyUsage(token string, days int) ([]db.DailyUsage, error) {
	s.lastToken = token
	s.lastDays = days
	return s.daily, s.err
}

func testPricing(t *testing.T) billing.Pricing {
	t.Helper()
	pricing, err := billing.NewPricing(config.BillingConfig{
		InputTokenPrice:  "0.000075",
		OutputTokenPrice: "0.0003",
	})
	if err != nil {
		t.Fatalf("Failed to build pricing: %v", err)
	}
	return pricing
}

// withPrincipal injects a validated principal the way auth.Middleware would.
func withPrincipal(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("lynxa.principal", &auth.Principal{Owner: "alice@gmail.com", KeyToken: token})
	}
}

func setupUsageRouter(store *summaryStubDB, pricing billing.Pricing, token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(store, pricing)
	router := gin.New()
	group := router.Group("/v1/usage", withPrincipal(token))
	group.GET("", handler.Summary)
	group.GET("/daily", handler.Daily)
	return router
}

func TestSummaryIncludesEstimatedCost(t *testing.T) {
	store := &summaryStubDB{summary: &db.UsageSummary{
		Requests:     10,
		InputTokens:  100000,
		OutputTokens: 20000,
	}}
	router := setupUsageRouter(store, testPricing(t), "lynx_u")

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lynx_u", store.lastToken)

	var body struct {
		Owner            string          `json:"owner"`
		Usage            db.UsageSummary `json:"usage"`
		EstimatedCostUSD string          `json:"estimated_cost_usd"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alice@gmail.com", body.Owner)
	assert.Equal(t, int64(10), body.Usage.Requests)
	// 100 * 0.000075 + 20 * 0.0003 = 0.0135
	assert.Equal(t, "0.013500", body.EstimatedCostUSD)
}

func TestSummaryStoreError(t *testing.T) {
	store := &summaryStubDB{err: assert.AnError}
	router := setupUsageRouter(store, testPricing(t), "lynx_u")

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDailyDefaultsAndCaps(t *testing.T) {
	store := &summaryStubDB{daily: []db.DailyUsage{{Day: "2026-08-25", Requests: 3}}}
	router := setupUsageRouter(store, testPricing(t), "lynx_u")

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/daily", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, store.lastDays)

	req = httptest.NewRequest(http.MethodGet, "/v1/usage/daily?days=365", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 90, store.lastDays, "days must be capped at 90")

	req = httptest.NewRequest(http.MethodGet, "/v1/usage/daily?days=zero", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/usage/daily?days=-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
