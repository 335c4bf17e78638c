// Package auth obtains access tokens for calls to an upstream FHIR server.
// It supports a static bearer token and the SMART Backend Services
// client_credentials grant with a signed JWT client assertion.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirimport/internal/platform/fhir"
)

// ClientAssertionType is the SMART Backend Services assertion type.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionLifetime is the maximum exp allowed by SMART Backend Services.
const assertionLifetime = 5 * time.Minute

// refreshMargin renews a cached token this long before it expires.
const refreshMargin = 30 * time.Second

// ---------------------------------------------------------------------------
// Static tokens
// ---------------------------------------------------------------------------

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// ---------------------------------------------------------------------------
// SMART Backend Services
// ---------------------------------------------------------------------------

// BackendServicesConfig configures a BackendServicesTokenSource.
type BackendServicesConfig struct {
	TokenURL   string
	ClientID   string
	Scope      string
	KeyID      string
	PrivateKey *rsa.PrivateKey

	// RetryMax, RetryWaitMin and RetryWaitMax tune retries against the
	// token endpoint. Zero values use the retryablehttp defaults.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
	// Patient is the SMART launch context, when the server supplies one.
	Patient string `json:"patient,omitempty"`
}

// BackendServicesTokenSource exchanges signed client assertions for access
// tokens and caches them until shortly before they expire. It is safe for
// concurrent use.
type BackendServicesTokenSource struct {
	cfg    BackendServicesConfig
	client *retryablehttp.Client
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expiry  time.Time
	patient string
}

// NewBackendServicesTokenSource validates cfg and returns a token source.
func NewBackendServicesTokenSource(cfg BackendServicesConfig, logger zerolog.Logger) (*BackendServicesTokenSource, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	rc := retryablehttp.NewClient()
	rc.Logger = leveledLogger{logger}
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rc.HTTPClient = &http.Client{Timeout: timeout}

	return &BackendServicesTokenSource{
		cfg:    cfg,
		client: rc,
		logger: logger,
		now:    time.Now,
	}, nil
}

// LoadRSAPrivateKey reads a PEM encoded RSA private key from path.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Token returns a valid access token, requesting a new one when the cached
// token is missing or about to expire.
func (s *BackendServicesTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(refreshMargin).Before(s.expiry) {
		return s.token, nil
	}

	resp, err := s.requestToken(ctx)
	if err != nil {
		return "", err
	}
	s.token = resp.AccessToken
	s.expiry = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	if resp.Patient != "" {
		s.patient = resp.Patient
	}
	s.logger.Debug().Int("expires_in", resp.ExpiresIn).Str("scope", resp.Scope).Msg("obtained access token")
	return s.token, nil
}

// Session returns the patient context from the last token response, or nil.
func (s *BackendServicesTokenSource) Session() *fhir.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patient == "" {
		return nil
	}
	return &fhir.Session{PatientID: s.patient}
}

// ClientAssertion signs the RS384 JWT presented to the token endpoint.
func (s *BackendServicesTokenSource) ClientAssertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.cfg.KeyID != "" {
		token.Header["kid"] = s.cfg.KeyID
	}
	signed, err := token.SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}

func (s *BackendServicesTokenSource) requestToken(ctx context.Context) (*TokenResponse, error) {
	assertion, err := s.ClientAssertion()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &tr, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.Logger.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.Logger.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.Logger.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.Logger.Debug().Fields(kv).Msg(msg) }
