package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lynxa/internal/db"
	"lynxa/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(validator *Validator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", Middleware(validator), func(c *gin.Context) {
		principal, _ := PrincipalFrom(c)
		c.JSON(http.StatusOK, gin.H{"owner": principal.Owner})
	})
	return router
}

func doRequest(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse error body: %v", err)
	}
	return body.Error.Code
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	validator, codec := newTestValidator(t, func(token string) (*model.APIKey, error) {
		return &model.APIKey{Token: token, Owner: "alice@gmail.com", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	router := newTestRouter(validator)

	token, _ := issueToken(t, codec)
	w := doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice@gmail.com")
}

func TestMiddlewareMissingHeader(t *testing.T) {
	validator, _ := newTestValidator(t, nil)
	router := newTestRouter(validator)

	w := doRequest(router, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_credential", errorCode(t, w))
}

func TestMiddlewareNonBearerScheme(t *testing.T) {
	validator, _ := newTestValidator(t, nil)
	router := newTestRouter(validator)

	w := doRequest(router, "Basic YWRtaW46cGFzcw==")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_credential", errorCode(t, w))
}

// Malformed and unknown tokens must be indistinguishable to the caller.
func TestMiddlewareCoalescesMalformedAndUnknown(t *testing.T) {
	validator, codec := newTestValidator(t, func(string) (*model.APIKey, error) {
		return nil, db.ErrNotFound
	})
	router := newTestRouter(validator)

	wMalformed := doRequest(router, "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, wMalformed.Code)
	assert.Equal(t, "invalid_credential", errorCode(t, wMalformed))

	token, _ := issueToken(t, codec)
	wUnknown := doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, wUnknown.Code)
	assert.Equal(t, "invalid_credential", errorCode(t, wUnknown))

	// Not just the code: the whole body must match, or the message gives
	// away which check failed.
	assert.Equal(t, wUnknown.Body.String(), wMalformed.Body.String())
}

func TestMiddlewareRevokedAndExpiredCodes(t *testing.T) {
	validator, codec := newTestValidator(t, func(token string) (*model.APIKey, error) {
		return &model.APIKey{Token: token, Revoked: true, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	router := newTestRouter(validator)

	token, _ := issueToken(t, codec)
	w := doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "credential_revoked", errorCode(t, w))

	validator, codec = newTestValidator(t, func(token string) (*model.APIKey, error) {
		return &model.APIKey{Token: token, ExpiresAt: time.Now().Add(-time.Hour)}, nil
	})
	router = newTestRouter(validator)

	token, _ = issueToken(t, codec)
	w = doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "credential_expired", errorCode(t, w))
}

// A store outage is retryable and must not read as a bad credential.
func TestMiddlewareBackendUnavailableIs503(t *testing.T) {
	validator, codec := newTestValidator(t, func(string) (*model.APIKey, error) {
		return nil, assert.AnError
	})
	router := newTestRouter(validator)

	token, _ := issueToken(t, codec)
	w := doRequest(router, "Bearer "+token)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "auth_backend_unavailable", errorCode(t, w))
}

func TestAdminMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin/ping", AdminMiddleware("hunter2"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.SetBasicAuth("admin", "hunter2")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
