package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxResponseBytes caps a single response body read.
const maxResponseBytes = 64 << 20

// TokenSource supplies bearer tokens for outgoing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SessionProvider is implemented by token sources that learn the patient
// context while authenticating (SMART launch context).
type SessionProvider interface {
	Session() *Session
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource sets the bearer token source. Without one requests are sent
// unauthenticated.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithSession binds the client to a patient context.
func WithSession(s *Session) ClientOption {
	return func(c *Client) { c.session = s }
}

// Client executes authenticated FHIR read and search requests against one
// server. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     zerolog.Logger
	session    *Session
	now        func() time.Time
}

// NewClient creates a Client rooted at baseURL (e.g. https://example.org/fhir).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse fhir base url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("fhir base url scheme must be http or https, got %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		base: u,
		// Deadlines come from the request context.
		httpClient: &http.Client{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ForPatient returns a copy of the client bound to the given patient. The
// copy shares the transport, token source and rate limiter.
func (c *Client) ForPatient(patientID string) *Client {
	cp := *c
	cp.session = &Session{PatientID: patientID, ConnectionID: c.base.Host}
	return &cp
}

// BaseURL returns the server root the client resolves relative URLs against.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Session returns the active patient context, or nil when none is active.
func (c *Client) Session() *Session {
	if c.session != nil && c.session.PatientID != "" {
		s := *c.session
		return &s
	}
	if sp, ok := c.tokens.(SessionProvider); ok {
		return sp.Session()
	}
	return nil
}

// Request executes a GET against target, which is either relative to the
// base URL ("Condition?patient=1") or absolute (a server-issued "next" link),
// and decodes the JSON body into out. Non-2xx responses return *RequestError.
func (c *Client) Request(ctx context.Context, target string, out any) error {
	uri, err := c.resolve(target)
	if err != nil {
		return err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &RequestError{Method: http.MethodGet, URL: uri, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return &RequestError{Method: http.MethodGet, URL: uri, Err: err}
	}
	req.Header.Set("Accept", "application/fhir+json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &RequestError{Method: http.MethodGet, URL: uri, Err: fmt.Errorf("obtain access token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", uri).Msg("fhir request failed")
		return &RequestError{Method: http.MethodGet, URL: uri, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.logger.Debug().
		Str("url", uri).
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("latency", c.now().Sub(start)).
		Msg("fhir request")
	if err != nil {
		return &RequestError{Method: http.MethodGet, URL: uri, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RequestError{
			Method:      http.MethodGet,
			URL:         uri,
			StatusCode:  resp.StatusCode,
			Diagnostics: outcomeDiagnostics(body),
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Method: http.MethodGet, URL: uri, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) resolve(target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("empty request url")
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse request url %q: %w", target, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

// outcomeDiagnostics extracts diagnostics from an OperationOutcome error body.
func outcomeDiagnostics(body []byte) string {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	return oo.Diagnostics()
}
