package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCategory classifies upstream failures for retry decisions.
type ErrorCategory int

const (
	// CategoryUnknown is unclassified; treated as transient so a flaky
	// provider gets the benefit of the doubt.
	CategoryUnknown ErrorCategory = iota
	// CategoryTransient: timeouts, throttling, 5xx, network.
	CategoryTransient
	// CategoryValidation: bad request, unparseable model output.
	CategoryValidation
	// CategoryAuth: 401/403.
	CategoryAuth
	// CategoryNotFound: unknown model or endpoint.
	CategoryNotFound
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryValidation:
		return "validation"
	case CategoryAuth:
		return "auth"
	case CategoryNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// StatusError is a non-2xx response from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ErrMalformedOutput means the model answered but not in the requested shape.
var ErrMalformedOutput = errors.New("ai: malformed model output")

// Classify maps an error from a provider call to a category.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, ErrMalformedOutput) {
		return CategoryValidation
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode >= 500:
			return CategoryTransient
		case se.StatusCode == http.StatusUnauthorized, se.StatusCode == http.StatusForbidden:
			return CategoryAuth
		case se.StatusCode == http.StatusNotFound:
			return CategoryNotFound
		case se.StatusCode >= 400:
			return CategoryValidation
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "i/o timeout", "no such host", "eof", "timeout"} {
		if strings.Contains(msg, s) {
			return CategoryTransient
		}
	}
	return CategoryUnknown
}

// Retryable reports whether a failed call may succeed if repeated.
// Validation, authorization and not-found class errors never are.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case CategoryValidation, CategoryAuth, CategoryNotFound:
		return false
	default:
		return true
	}
}

// IsTimeout reports whether err is (or wraps) a deadline failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusRequestTimeout || se.StatusCode == http.StatusGatewayTimeout
	}
	return false
}
