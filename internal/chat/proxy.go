// Package chat proxies chat-completion requests to the upstream provider.
// The client's credential is replaced with a pool key on the way out; the
// response passes through untouched except for token-usage extraction.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"lynxa/internal/config"
	"lynxa/internal/upstream"

	"github.com/sony/gobreaker/v2"
)

const defaultTarget = "https://generativelanguage.googleapis.com"

type contextKey string

const providerKeyContextKey = contextKey("providerKey")

// Proxy forwards completion requests upstream through the provider key pool.
type Proxy struct {
	pool         upstream.Manager
	reverseProxy *httputil.ReverseProxy
	targetURL    *url.URL
	debug        bool
	logger       *slog.Logger
}

// newProxyWithURL is the internal constructor that allows custom target URLs,
// making it testable.
func newProxyWithURL(pool upstream.Manager, cfg *config.Config, target string, logger *slog.Logger) (*Proxy, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		pool:      pool,
		targetURL: targetURL,
		debug:     cfg.Debug,
		logger:    logger.With("component", "chat"),
	}

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip if failure ratio exceeds 50% with at least 5 requests.
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("Circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	p.reverseProxy = &httputil.ReverseProxy{
		Transport: &breakerTransport{base: http.DefaultTransport, breaker: breaker},
		Director: func(req *http.Request) {
			req.URL.Scheme = p.targetURL.Scheme
			req.URL.Host = p.targetURL.Host
			req.Host = p.targetURL.Host

			// Manually construct the full path to avoid issues with url.ResolveReference.
			trimmedPath := strings.TrimPrefix(req.URL.Path, "/v1")
			req.URL.Path = "/v1beta/openai" + trimmedPath

			key, err := p.pool.GetNextKey()
			if err != nil {
				p.logger.Error("Failed to get next provider key", "error", err)
				// Leave the Authorization header unset; upstream will reject it.
				req.Header.Del("Authorization")
				return
			}

			if p.debug {
				p.logger.Debug("Proxying request", "path", req.URL.Path, "key_suffix", safeKeySuffix(key))
			}

			// Stash the key so modifyResponse can attribute the outcome.
			ctx := context.WithValue(req.Context(), providerKeyContextKey, key)
			*req = *req.WithContext(ctx)

			// The client's own credential must never reach the provider.
			req.Header.Set("Authorization", "Bearer "+key)
		},
		ModifyResponse: p.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrAbortHandler) {
				p.logger.Warn("Client disconnected", "error", err)
				return
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				p.logger.Warn("Upstream circuit open, rejecting request")
				http.Error(w, "Upstream Unavailable", http.StatusServiceUnavailable)
				return
			}
			p.logger.Error("Proxy error", "error", err)
			http.Error(w, "Proxy Error", http.StatusBadGateway)
		},
	}

	return p, nil
}

// NewProxy creates a Proxy against the default provider endpoint.
func NewProxy(pool upstream.Manager, cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	return newProxyWithURL(pool, cfg, defaultTarget, logger)
}

// ServeHTTP forwards one request upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.pool.GetAvailableKeyCount() == 0 {
		p.logger.Error("Service Unavailable: no active provider keys")
		http.Error(w, "Service Unavailable: no active provider keys", http.StatusServiceUnavailable)
		return
	}
	p.reverseProxy.ServeHTTP(w, r)
}

// modifyResponse attributes the outcome to the provider key and extracts
// token usage from the response for the usage recorder.
func (p *Proxy) modifyResponse(resp *http.Response) error {
	key, ok := resp.Request.Context().Value(providerKeyContextKey).(string)
	if !ok {
		p.logger.Error("Provider key not found in request context in modifyResponse")
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		p.logger.Warn("Provider key returned 403 Forbidden", "key_suffix", safeKeySuffix(key))
		// Pool state updates run off the request path.
		go p.pool.HandleKeyFailure(key)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		go p.pool.HandleKeySuccess(key)
		captureUsage(resp)
	}

	return nil
}

// breakerTransport wraps the upstream round trip in a circuit breaker so a
// failing provider sheds load fast instead of tying up every request.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		return t.base.RoundTrip(req)
	})
	if err != nil {
		return nil, fmt.Errorf("upstream round trip: %w", err)
	}
	return resp, nil
}

// safeKeySuffix returns the last 4 characters of a key, or the full key if it's shorter.
func safeKeySuffix(key string) string {
	if len(key) > 4 {
		return key[len(key)-4:]
	}
	return key
}
