package chat

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"lynxa/internal/auth"
	"lynxa/internal/db"
	"lynxa/internal/logger"
	"lynxa/internal/model"
	"lynxa/internal/usage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type eventCaptureDB struct {
	db.Service
	mu     sync.Mutex
	events []model.UsageEvent
}

func (c *eventCaptureDB) CreateUsageEvent(event *model.UsageEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *event)
	return nil
}

func (c *eventCaptureDB) recorded() []model.UsageEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.UsageEvent(nil), c.events...)
}

func TestCompletionHandlerRecordsUsageEvent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model": "gemini-pro", "usage": {"prompt_tokens": 11, "completion_tokens": 22}}`)
	}))
	defer upstream.Close()

	pool := &mockPool{key: "prov-key-1", available: 1}
	proxy := newTestProxy(t, pool, upstream.URL)

	store := &eventCaptureDB{}
	recorder := usage.NewRecorder(store, logger.New(false), nil)

	router := gin.New()
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.Set("lynxa.principal", &auth.Principal{Owner: "alice@gmail.com", KeyToken: "lynx_client"})
	}, proxy.CompletionHandler(recorder))

	// The proxy needs a real server-backed writer, not a bare recorder.
	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", nil)
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	recorder.Close()
	events := store.recorded()
	assert.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, "lynx_client", event.KeyToken)
	assert.Equal(t, "/v1/chat/completions", event.Endpoint)
	assert.Equal(t, http.MethodPost, event.Method)
	assert.Equal(t, http.StatusOK, event.StatusCode)
	assert.Equal(t, int64(11), event.InputTokens)
	assert.Equal(t, int64(22), event.OutputTokens)
	assert.NotEmpty(t, event.RequestID)
	assert.GreaterOrEqual(t, event.ResponseTimeMs, int64(0))
}

// Failed attempts are recorded too, with zero token counts.
func TestCompletionHandlerRecordsFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	pool := &mockPool{key: "prov-key-1", available: 1}
	proxy := newTestProxy(t, pool, upstream.URL)

	store := &eventCaptureDB{}
	recorder := usage.NewRecorder(store, logger.New(false), nil)

	router := gin.New()
	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.Set("lynxa.principal", &auth.Principal{KeyToken: "lynx_client"})
	}, proxy.CompletionHandler(recorder))

	server := httptest.NewServer(router)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", nil)
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	recorder.Close()
	events := store.recorded()
	assert.Len(t, events, 1)
	assert.Equal(t, http.StatusInternalServerError, events[0].StatusCode)
	assert.Zero(t, events[0].InputTokens)
	assert.Zero(t, events[0].OutputTokens)
}
