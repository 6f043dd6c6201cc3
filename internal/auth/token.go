// internal/auth/token.go
// Package auth manages the OAuth bearer token used for every contact-center API call.
// It performs the account-credentials grant and tracks token expiry so that
// callers refresh lazily, immediately before each authenticated request.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/telemetry"
)

// DefaultTokenURL is the Zoom OAuth token endpoint.
const DefaultTokenURL = "https://zoom.us/oauth/token"

// grantType is the server-to-server OAuth grant used by the token endpoint.
const grantType = "account_credentials"

// maxErrorBody bounds how much of a failed response body is kept in an error.
const maxErrorBody = 512

// TokenManager owns the credential exchange and the resulting token state.
// The expiry check and the refresh it triggers run under one mutex, so
// EnsureFresh is atomic with respect to concurrent callers.
type TokenManager struct {
	creds     model.Credentials // Immutable app credentials
	tokenURL  string            // OAuth token endpoint
	hc        *http.Client      // HTTP client for the exchange
	validator *schema.Validator // Token response validation
	metrics   *metrics.Metrics  // Exchange counters
	logger    *slog.Logger      // Structured logger
	now       func() time.Time  // Clock, replaced in tests

	mu    sync.Mutex    // Guards token
	token *oauth2.Token // Current token, nil until the first exchange
}

// Option configures a TokenManager.
type Option func(*TokenManager)

// WithHTTPClient sets the HTTP client used for the exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *TokenManager) { m.hc = hc }
}

// WithClock sets the time source used for expiry computation.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *TokenManager) { m.logger = logger }
}

// NewTokenManager creates a token manager for the given credentials.
// Parameters:
//   - creds: Server-to-server app credentials
//   - tokenURL: OAuth token endpoint, DefaultTokenURL when empty
//   - opts: Optional overrides
// Returns:
//   - *TokenManager: Manager holding no token yet
func NewTokenManager(creds model.Credentials, tokenURL string, opts ...Option) *TokenManager {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	m := &TokenManager{
		creds:     creds,
		tokenURL:  tokenURL,
		validator: schema.MustNewValidator(),
		metrics:   metrics.NewMetrics(),
		logger:    slog.Default(),
		now:       time.Now,
		hc: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
			Timeout: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Exchange requests a new token from the token endpoint regardless of the current state.
// A rejected or unreachable exchange returns a CCREC_AUTH_FAILURE error; the
// caller cannot make progress without a token, so the error is fatal.
func (m *TokenManager) Exchange(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchangeLocked(ctx)
}

// IsExpired reports whether no token has been fetched or the current time
// has reached the token's expiry.
func (m *TokenManager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isExpiredLocked()
}

// EnsureFresh exchanges for a new token only when the current one is expired.
// Two calls in immediate succession perform at most one exchange.
func (m *TokenManager) EnsureFresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isExpiredLocked() {
		return nil
	}
	m.logger.Debug("bearer token expired, generating a new one")
	return m.exchangeLocked(ctx)
}

// Token returns a copy of a fresh token, refreshing it first if needed.
func (m *TokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isExpiredLocked() {
		if err := m.exchangeLocked(ctx); err != nil {
			return nil, err
		}
	}
	tok := *m.token
	return &tok, nil
}

// Authorize ensures the token is fresh and sets the bearer Authorization header on req.
// It must be called immediately before req is sent.
func (m *TokenManager) Authorize(ctx context.Context, req *http.Request) error {
	tok, err := m.Token(ctx)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	return nil
}

// Expiry returns the absolute expiry of the current token, zero when none.
func (m *TokenManager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return time.Time{}
	}
	return m.token.Expiry
}

func (m *TokenManager) isExpiredLocked() bool {
	if m.token == nil || m.token.Expiry.IsZero() {
		return true
	}
	return !m.now().Before(m.token.Expiry)
}

// exchangeLocked performs the grant. The caller holds m.mu.
func (m *TokenManager) exchangeLocked(ctx context.Context) (err error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "auth.exchange")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "token exchange failed")
		}
		span.End()
		m.metrics.TokenExchangeTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
	}()

	form := url.Values{}
	form.Set("account_id", m.creds.AccountID)
	form.Set("grant_type", grantType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errordefs.Wrap(errordefs.CCREC_AUTH_FAILURE, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.creds.ClientID, m.creds.ClientSecret)

	m.logger.Debug("generating a new bearer token", "token_url", m.tokenURL)
	issuedAt := m.now()
	resp, err := m.hc.Do(req)
	if err != nil {
		return errordefs.Wrap(errordefs.CCREC_AUTH_FAILURE, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errordefs.Wrap(errordefs.CCREC_AUTH_FAILURE, "read token response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errordefs.NewWithDetails(errordefs.CCREC_AUTH_FAILURE,
			fmt.Sprintf("token exchange rejected: %s", resp.Status), truncate(body))
	}

	if err := m.validator.Validate(schema.TokenResponse, body); err != nil {
		return errordefs.Wrap(errordefs.CCREC_AUTH_FAILURE, "malformed token response", err)
	}
	var tr model.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return errordefs.Wrap(errordefs.CCREC_AUTH_FAILURE, "decode token response", err)
	}

	m.token = &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}
	m.logger.Debug("new token generated", "expires_at", m.token.Expiry)
	m.logClaims(tr.AccessToken)
	return nil
}

// logClaims logs the issuer and expiry embedded in a JWT access token.
// The token is not verified; expiry tracking always uses expires_in.
func (m *TokenManager) logClaims(raw string) {
	if strings.Count(raw, ".") != 2 {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return
	}
	attrs := []any{}
	if iss, err := claims.GetIssuer(); err == nil && iss != "" {
		attrs = append(attrs, "iss", iss)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		attrs = append(attrs, "claim_exp", exp.Time)
	}
	if len(attrs) > 0 {
		m.logger.Debug("access token claims", attrs...)
	}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
