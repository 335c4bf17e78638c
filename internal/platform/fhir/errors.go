package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// RequestError is returned by Client.Request for transport failures and for
// any non-2xx response. StatusCode is 0 when no response was received.
type RequestError struct {
	Method      string
	URL         string
	StatusCode  int
	Diagnostics string
	// RetryAfter is the server-advertised wait from a Retry-After header.
	RetryAfter time.Duration
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	msg := fmt.Sprintf("%s %s: status %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether the server rejected the credentials or the
// access scope.
func (e *RequestError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// StatusCode extracts the HTTP status from err, or 0 when err does not carry
// a *RequestError.
func StatusCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// IsAuthFailure reports whether err carries a 401 or 403 response.
func IsAuthFailure(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.IsAuthFailure()
}

// RetryAfter extracts the server-advertised wait from err, or 0.
func RetryAfter(err error) time.Duration {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.RetryAfter
	}
	return 0
}

// parseRetryAfter accepts both forms of the Retry-After header: a number of
// seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
