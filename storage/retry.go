package storage

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryTransport wraps an http.RoundTripper with automatic retry logic for
// transient failures (connection resets, EOF, timeouts, 5xx responses).
// Requests whose body cannot be replayed (no GetBody) are sent once, so a
// multi-gigabyte archive upload is never buffered in memory.
type RetryTransport struct {
	// Base is the underlying transport to use. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
	// MaxRetries is the maximum number of retry attempts after the initial
	// request. Zero disables retries.
	MaxRetries int
	// BaseDelay is the initial delay between retries; it doubles on each attempt.
	BaseDelay time.Duration
	Logger    zerolog.Logger
}

// NewRetryTransport creates a RetryTransport with 3 retries and a 2s base
// delay (2s, 4s, 8s backoff).
func NewRetryTransport(base http.RoundTripper, logger zerolog.Logger) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RetryTransport{
		Base:       base,
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		Logger:     logger,
	}
}

// RoundTrip executes the request, retrying transient failures.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	maxRetries := t.MaxRetries
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if maxRetries < 0 || !replayable {
		maxRetries = 0
	}
	baseDelay := t.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			break
		}

		attemptReq := req
		if attempt > 0 {
			attemptReq = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				attemptReq.Body = body
			}
		}

		resp, err := base.RoundTrip(attemptReq)

		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if req.Context().Err() != nil {
			if err != nil {
				return nil, err
			}
			return resp, nil
		}

		lastErr, lastResp = nil, nil
		if err != nil {
			lastErr = err
			if !isRetryableError(err) {
				return nil, err
			}
		} else {
			if attempt == maxRetries {
				return resp, nil
			}
			lastResp = resp
			if resp.Body != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			ev := t.Logger.Warn().Int("attempt", attempt+1).Int("max_attempts", maxRetries+1).Dur("delay", delay)
			if lastErr != nil {
				ev.Err(lastErr).Msg("request failed, retrying")
			} else {
				ev.Int("status", lastResp.StatusCode).Msg("retryable status, retrying")
			}

			select {
			case <-req.Context().Done():
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, req.Context().Err()
}

// isRetryableStatus returns true for HTTP status codes that indicate a transient server error.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout,     // 504
		http.StatusTooManyRequests:    // 429
		return true
	}
	return false
}

// isRetryableError returns true for errors that indicate a transient network failure.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	retryable := []string{
		"eof",
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"tls handshake",
		"temporary failure",
		"server closed",
		"transport connection broken",
	}
	for _, pattern := range retryable {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// IsConnectivityError reports whether err looks like a network-level
// failure rather than a protocol-level refusal.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if isRetryableError(err) {
		return true
	}
	s := strings.ToLower(err.Error())
	for _, pattern := range []string{"no such host", "network is unreachable", "dial tcp", "i/o timeout"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
