package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with backend request
// metrics. The relay wraps its messaging backend client with it.
type InstrumentedTransport struct {
	base    http.RoundTripper
	backend string
}

// NewInstrumentedTransport creates a new instrumented transport for a backend.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, backend string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, backend: backend}
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordBackendRequest(req.Context(), t.backend, duration, 0, outcome)
		return nil, err
	}

	outcome := "success"
	if resp.StatusCode >= 500 {
		outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		outcome = "4xx"
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		backend:    t.backend,
		start:      start,
		outcome:    outcome,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	backend  string
	start    time.Time
	outcome  string
	bytes    int64
	recorded bool
}

// Read implements io.Reader, counting bytes read.
func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

// Close records the request metrics exactly once.
func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordBackendRequest(b.ctx, b.backend, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}
