package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// RateLimitError is returned for HTTP 429 responses. Reset hints are copied
// verbatim from the response headers.
type RateLimitError struct {
	Provider               string
	StatusCode             int
	RetryAfter             string
	RateLimitRequestsReset string
	RateLimitTokensReset   string
	Headers                map[string]string
	Err                    error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s: rate limited (status %d)", e.Provider, e.StatusCode)
	if e.RetryAfter != "" {
		msg += ", retry after " + e.RetryAfter
	}
	return msg
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func classifyHTTPError(provider string, status int, header http.Header, err error) error {
	if status == http.StatusTooManyRequests {
		headers := map[string]string{}
		for k := range header {
			headers[k] = header.Get(k)
		}
		return &RateLimitError{
			Provider:               provider,
			StatusCode:             status,
			RetryAfter:             header.Get("Retry-After"),
			RateLimitRequestsReset: header.Get("X-RateLimit-Requests-Reset"),
			RateLimitTokensReset:   header.Get("X-RateLimit-Tokens-Reset"),
			Headers:                headers,
			Err:                    err,
		}
	}
	return &APIError{Provider: provider, StatusCode: status, Err: err}
}

// IsRetryable reports whether another model in the fallback chain should be
// tried after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.StatusCode >= 500 || api.StatusCode == http.StatusNotFound
	}
	// transport-level failure (connection refused, DNS, ...)
	return true
}
