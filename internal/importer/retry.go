package importer

import (
	"context"
	"net/http"
	"time"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// maxRetryAfter bounds a server-supplied Retry-After.
const maxRetryAfter = time.Minute

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy decides whether a failed request is attempted again. It does
// no I/O and never sleeps.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// NewRetryPolicy derives the policy from a FetchConfig.
func NewRetryPolicy(cfg FetchConfig) RetryPolicy {
	return RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}
}

// Decide returns the decision after the given 1-indexed attempt failed with
// err. Authentication failures are never retried. Other failures are retried
// with a delay of Delay*attempt until attempt reaches Attempts. A larger
// Retry-After on 429/503 responses replaces the linear delay, up to
// maxRetryAfter.
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	if fhir.IsAuthFailure(err) {
		return Decision{}
	}
	if attempt >= p.Attempts {
		return Decision{}
	}
	delay := p.Delay * time.Duration(attempt)
	switch fhir.StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if ra := min(fhir.RetryAfter(err), maxRetryAfter); ra > delay {
			delay = ra
		}
	}
	return Decision{Retry: true, Delay: delay}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the SleepFunc used outside tests.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
