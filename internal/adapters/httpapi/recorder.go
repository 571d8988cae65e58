package httpapi

import (
	"bytes"
	"net/http"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// captureWriter passes the response through to the client while keeping a copy for replay.
// Capture stops once the body exceeds limit, and a Flush marks the response as streaming;
// either makes the outcome non-cacheable.
//
// A client that goes away does not fail the handler: its writes keep succeeding so the
// response is still captured for the retry that is bound to follow.
type captureWriter struct {
	w     http.ResponseWriter
	limit int64

	status     int
	header     http.Header
	body       bytes.Buffer
	truncated  bool
	streaming  bool
	clientGone bool
}

func newCaptureWriter(w http.ResponseWriter, limit int64) *captureWriter {
	return &captureWriter{w: w, limit: limit}
}

func (c *captureWriter) Header() http.Header { return c.w.Header() }

func (c *captureWriter) WriteHeader(status int) {
	if c.status != 0 {
		return
	}
	c.status = status
	c.header = c.w.Header().Clone()
	c.w.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	if !c.truncated {
		if int64(c.body.Len()+len(p)) > c.limit {
			c.truncated = true
			c.body = bytes.Buffer{}
		} else {
			c.body.Write(p)
		}
	}
	if c.clientGone {
		return len(p), nil
	}
	if _, err := c.w.Write(p); err != nil {
		c.clientGone = true
	}
	return len(p), nil
}

func (c *captureWriter) Flush() {
	if c.status == 0 {
		c.WriteHeader(http.StatusOK)
	}
	c.streaming = true
	if c.clientGone {
		return
	}
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (c *captureWriter) Unwrap() http.ResponseWriter { return c.w }

func (c *captureWriter) outcome() appidem.Outcome {
	status := c.status
	if status == 0 {
		// The handler returned without writing anything; net/http sends 200.
		status = http.StatusOK
		c.header = c.w.Header().Clone()
	}
	header := replayableHeader(c.header)
	return appidem.Outcome{
		Response: idempotencyport.CachedResponse{
			StatusCode:  status,
			Header:      header,
			ContentType: header.Get("Content-Type"),
			Body:        bytes.Clone(c.body.Bytes()),
		},
		Streaming: c.streaming,
		Truncated: c.truncated,
	}
}

// perResponseHeaders are regenerated for every response and never replayed.
var perResponseHeaders = []string{
	"Date",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Trailer",
	headerIdempotencyReplayed,
	headerIdempotencyReplayCount,
	headerIdempotencyError,
	"Retry-After",
}

func replayableHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, k := range perResponseHeaders {
		out.Del(k)
	}
	return out
}
