package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAPIKey is returned when no key could be resolved for a provider
// that needs one.
var ErrNoAPIKey = errors.New("llm: API key not configured")

// ErrEmptyResponse is returned when the provider answered without choices.
var ErrEmptyResponse = errors.New("llm: no response from model")

// ErrorKind classifies provider errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // request timed out
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // context length exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

// String returns a label for logs.
func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// APIError is a non-200 answer from the provider.
type APIError struct {
	StatusCode    int
	Body          string
	RetryAfterSec int
	Model         string
}

func (e *APIError) Error() string {
	prefix := ""
	if e.Model != "" {
		prefix = e.Model + ": "
	}
	return fmt.Sprintf("%sAPI returned %d: %s", prefix, e.StatusCode, truncate(e.Body, 200))
}

// Kind classifies the error.
func (e *APIError) Kind() ErrorKind {
	return Classify(e.StatusCode, e.Body)
}

// KindOf classifies any error returned by the client. Non-API errors
// (network failures) are treated as retryable.
func KindOf(err error) ErrorKind {
	var apierr *APIError
	if errors.As(err, &apierr) {
		return apierr.Kind()
	}
	if errors.Is(err, ErrNoAPIKey) {
		return ErrorAuth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorRetryable
}

// Classify determines the error kind from status code and response body.
func Classify(statusCode int, body string) ErrorKind {
	b := strings.ToLower(body)

	if strings.Contains(b, "context_length_exceeded") ||
		strings.Contains(b, "maximum context length") {
		return ErrorContext
	}

	if statusCode == 402 ||
		strings.Contains(b, "billing") ||
		strings.Contains(b, "insufficient_quota") ||
		strings.Contains(b, "payment required") {
		return ErrorBilling
	}

	if statusCode == 429 ||
		strings.Contains(b, "rate_limit") ||
		strings.Contains(b, "rate limit") ||
		strings.Contains(b, "too many requests") {
		return ErrorRateLimit
	}

	if statusCode == 529 || strings.Contains(b, "overloaded") {
		return ErrorOverloaded
	}

	if strings.Contains(b, "timeout") ||
		strings.Contains(b, "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
