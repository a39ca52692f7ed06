package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockTransport is a test RoundTripper that returns configurable responses.
type mockTransport struct {
	responses []mockResponse
	calls     atomic.Int32
	bodies    []string
}

type mockResponse struct {
	status int
	body   string
	err    error
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	idx := int(m.calls.Add(1)) - 1
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(data))
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	r := m.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Header:     http.Header{},
	}, nil
}

func newTestTransport(mock *mockTransport, retries int) *RetryTransport {
	return &RetryTransport{Base: mock, MaxRetries: retries, BaseDelay: 10 * time.Millisecond, Logger: zerolog.Nop()}
}

func TestRetryTransport_SuccessNoRetry(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{status: 200, body: "ok"}}}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	resp, err := newTestTransport(mock, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if mock.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_RetriesOnEOF(t *testing.T) {
	mock := &mockTransport{
		responses: []mockResponse{
			{err: fmt.Errorf("unexpected EOF")},
			{err: fmt.Errorf("unexpected EOF")},
			{status: 200, body: "ok"},
		},
	}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	resp, err := newTestTransport(mock, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if mock.calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_RetriesOn502(t *testing.T) {
	mock := &mockTransport{
		responses: []mockResponse{
			{status: 502, body: "bad gateway"},
			{status: 200, body: "ok"},
		},
	}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	resp, err := newTestTransport(mock, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if mock.calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_NoRetryOn4xx(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{status: 403, body: "forbidden"}}}

	req, _ := http.NewRequest("PUT", "http://example.com", nil)
	resp, err := newTestTransport(mock, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 403 {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if mock.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_NoRetryOnNonTransientError(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{err: fmt.Errorf("certificate signed by unknown authority")}}}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	_, err := newTestTransport(mock, 3).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_ExhaustsRetries(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{err: fmt.Errorf("connection refused")}}}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	_, err := newTestTransport(mock, 2).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if mock.calls.Load() != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", mock.calls.Load())
	}
}

func TestRetryTransport_ZeroRetriesSendsOnce(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{err: fmt.Errorf("connection refused")}}}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	_, err := newTestTransport(mock, 0).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", mock.calls.Load())
	}
}

func TestRetryTransport_LastRetryableStatusReturned(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{status: 503, body: "down"}}}

	req, _ := http.NewRequest("GET", "http://example.com", nil)
	resp, err := newTestTransport(mock, 1).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 503 || string(body) != "down" {
		t.Errorf("got %d %q, want 503 \"down\"", resp.StatusCode, body)
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{err: fmt.Errorf("connection reset")}}}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &RetryTransport{Base: mock, MaxRetries: 5, BaseDelay: time.Second, Logger: zerolog.Nop()}
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.com", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("cancellation not honoured, took %s", time.Since(start))
	}
}

func TestRetryTransport_ReplaysRequestBody(t *testing.T) {
	mock := &mockTransport{
		responses: []mockResponse{
			{err: fmt.Errorf("broken pipe")},
			{status: 201},
		},
	}

	req, _ := http.NewRequest("PUT", "http://example.com", strings.NewReader("payload"))
	resp, err := newTestTransport(mock, 3).RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if len(mock.bodies) != 2 || mock.bodies[0] != "payload" || mock.bodies[1] != "payload" {
		t.Errorf("bodies = %q, want payload twice", mock.bodies)
	}
}

func TestRetryTransport_StreamingBodyNotRetried(t *testing.T) {
	mock := &mockTransport{responses: []mockResponse{{err: fmt.Errorf("broken pipe")}}}

	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("stream"))
		pw.Close()
	}()
	req, _ := http.NewRequest("PUT", "http://example.com", pr)
	_, err := newTestTransport(mock, 3).RoundTrip(req)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.calls.Load() != 1 {
		t.Errorf("expected 1 call for non-replayable body, got %d", mock.calls.Load())
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("unexpected EOF"), true},
		{fmt.Errorf("read: connection reset by peer"), true},
		{fmt.Errorf("dial tcp: connection refused"), true},
		{fmt.Errorf("i/o timeout"), true},
		{fmt.Errorf("x509: certificate signed by unknown authority"), false},
		{fmt.Errorf("permission denied"), false},
	}
	for _, tt := range tests {
		if got := isRetryableError(tt.err); got != tt.want {
			t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for status, want := range map[int]bool{200: false, 404: false, 429: true, 500: false, 502: true, 503: true, 504: true} {
		if got := isRetryableStatus(status); got != want {
			t.Errorf("isRetryableStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestIsConnectivityError(t *testing.T) {
	if !IsConnectivityError(fmt.Errorf("dial tcp: lookup nas.local: no such host")) {
		t.Error("expected no such host to be a connectivity error")
	}
	if IsConnectivityError(fmt.Errorf("403 Forbidden")) {
		t.Error("403 should not be a connectivity error")
	}
}
