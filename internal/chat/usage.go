package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
)

const usageCaptureContextKey = contextKey("usageCapture")

// maxBufferedBody caps how much of a non-streaming response we buffer to
// read its usage block.
const maxBufferedBody = 10 << 20

// usageCapture collects token counts from an upstream response. It is
// shared between the proxy goroutine and the handler, hence the mutex.
type usageCapture struct {
	mu           sync.Mutex
	inputTokens  int64
	outputTokens int64
	model        string
}

func (u *usageCapture) set(model string, input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.model = model
	u.inputTokens = input
	u.outputTokens = output
}

func (u *usageCapture) totals() (model string, input, output int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.model, u.inputTokens, u.outputTokens
}

// withUsageCapture attaches a capture to the request context.
func withUsageCapture(ctx context.Context, capture *usageCapture) context.Context {
	return context.WithValue(ctx, usageCaptureContextKey, capture)
}

func usageCaptureFrom(ctx context.Context) (*usageCapture, bool) {
	capture, ok := ctx.Value(usageCaptureContextKey).(*usageCapture)
	return capture, ok
}

// completionEnvelope is the subset of a chat-completion response (or its
// final streamed chunk) that carries token accounting.
type completionEnvelope struct {
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// captureUsage pulls token counts out of a successful response. JSON bodies
// are buffered and restored; event streams are wrapped so the usage-bearing
// final chunk is parsed as it flows to the client.
func captureUsage(resp *http.Response) {
	capture, ok := usageCaptureFrom(resp.Request.Context())
	if !ok {
		return
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		resp.Body = newUsageScanningReader(resp.Body, capture)
	case strings.HasPrefix(contentType, "application/json"):
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return
		}

		var envelope completionEnvelope
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Usage != nil {
			capture.set(envelope.Model, envelope.Usage.PromptTokens, envelope.Usage.CompletionTokens)
		}
	}
}

// maxScanLine bounds the per-line buffer of the stream scanner.
const maxScanLine = 1 << 20

// usageScanningReader passes an SSE byte stream through unchanged while
// watching for the final usage-bearing chunk. The provider sends usage in
// the last "data:" event when the client asked for it.
type usageScanningReader struct {
	body    io.ReadCloser
	capture *usageCapture
	line    []byte
}

func newUsageScanningReader(body io.ReadCloser, capture *usageCapture) *usageScanningReader {
	return &usageScanningReader{body: body, capture: capture}
}

func (r *usageScanningReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.scan(p[:n])
	}
	if err == io.EOF {
		// The stream may end without a trailing newline.
		r.processLine(r.line)
		r.line = nil
	}
	return n, err
}

func (r *usageScanningReader) Close() error {
	return r.body.Close()
}

// scan accumulates bytes into lines and processes each completed one.
func (r *usageScanningReader) scan(chunk []byte) {
	for {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			if len(r.line)+len(chunk) <= maxScanLine {
				r.line = append(r.line, chunk...)
			}
			return
		}
		line := chunk[:idx]
		if len(r.line) > 0 {
			line = append(r.line, line...)
			r.line = r.line[:0]
		}
		r.processLine(line)
		chunk = chunk[idx+1:]
	}
}

func (r *usageScanningReader) processLine(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	// Cheap pre-filter: most chunks carry no usage block at all.
	if !bytes.Contains(payload, []byte(`"usage"`)) {
		return
	}
	var envelope completionEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Usage != nil {
		r.capture.set(envelope.Model, envelope.Usage.PromptTokens, envelope.Usage.CompletionTokens)
	}
}
