package chat

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// chunkedReader returns at most n bytes per Read to exercise the scanner's
// line reassembly across read boundaries.
type chunkedReader struct {
	r io.Reader
	n int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.n {
		p = p[:c.n]
	}
	return c.r.Read(p)
}

func scanStream(t *testing.T, stream string, chunkSize int) *usageCapture {
	t.Helper()
	capture := &usageCapture{}
	reader := newUsageScanningReader(
		io.NopCloser(&chunkedReader{r: strings.NewReader(stream), n: chunkSize}),
		capture,
	)

	out, err := io.ReadAll(reader)
	assert.NoError(t, err)
	// Pass-through must be byte-exact.
	assert.Equal(t, stream, string(out))
	return capture
}

func TestUsageScanningReaderFindsFinalChunk(t *testing.T) {
	stream := "data: {\"choices\": [{\"delta\": {\"content\": \"a\"}}]}\n\n" +
		"data: {\"model\": \"gemini-pro\", \"usage\": {\"prompt_tokens\": 5, \"completion_tokens\": 9}}\n\n" +
		"data: [DONE]\n\n"

	for _, chunkSize := range []int{1, 3, 7, 1024} {
		capture := scanStream(t, stream, chunkSize)
		model, input, output := capture.totals()
		assert.Equal(t, "gemini-pro", model, "chunk size %d", chunkSize)
		assert.Equal(t, int64(5), input, "chunk size %d", chunkSize)
		assert.Equal(t, int64(9), output, "chunk size %d", chunkSize)
	}
}

// The stream may end without a trailing newline; the last line still counts.
func TestUsageScanningReaderHandlesMissingFinalNewline(t *testing.T) {
	stream := "data: {\"usage\": {\"prompt_tokens\": 2, \"completion_tokens\": 3}}"
	capture := scanStream(t, stream, 1024)

	_, input, output := capture.totals()
	assert.Equal(t, int64(2), input)
	assert.Equal(t, int64(3), output)
}

// failingBody yields its data and then errors instead of returning EOF.
type failingBody struct {
	data   io.Reader
	closed bool
}

func (f *failingBody) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset")
	}
	return n, err
}

func (f *failingBody) Close() error {
	f.closed = true
	return nil
}

// A read error while buffering a JSON body must still close the upstream
// body and hand the client whatever prefix was read.
func TestCaptureUsageClosesBodyOnReadError(t *testing.T) {
	capture := &usageCapture{}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req = req.WithContext(withUsageCapture(req.Context(), capture))

	body := &failingBody{data: strings.NewReader(`{"partial":`)}
	resp := &http.Response{
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    body,
		Request: req,
	}

	captureUsage(resp)
	assert.True(t, body.closed, "upstream body must be closed on a read error")

	rest, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, `{"partial":`, string(rest))

	_, input, output := capture.totals()
	assert.Zero(t, input)
	assert.Zero(t, output)
}

func TestUsageScanningReaderIgnoresNoise(t *testing.T) {
	stream := ": keep-alive comment\n" +
		"event: message\n" +
		"data: [DONE]\n" +
		"data: not json at all\n"
	capture := scanStream(t, stream, 1024)

	_, input, output := capture.totals()
	assert.Zero(t, input)
	assert.Zero(t, output)
}
