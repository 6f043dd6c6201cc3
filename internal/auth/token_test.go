// Package auth provides tests for the token lifecycle.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	errordefs "github.com/RegistryAccord/registryaccord-ccrec-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
)

var testCreds = model.Credentials{ClientID: "client", ClientSecret: "secret", AccountID: "acct"}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// tokenServer is a fake OAuth endpoint counting exchanges.
type tokenServer struct {
	*httptest.Server
	calls     atomic.Int32
	expiresIn int64
	status    int
}

func newTokenServer(t *testing.T, expiresIn int64) *tokenServer {
	t.Helper()
	ts := &tokenServer{expiresIn: expiresIn, status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)

		wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("client:secret"))
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q, want %q", got, wantAuth)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if r.Form.Get("account_id") != "acct" || r.Form.Get("grant_type") != "account_credentials" {
			t.Errorf("form = %v", r.Form)
		}

		if ts.status != http.StatusOK {
			w.WriteHeader(ts.status)
			io.WriteString(w, `{"reason":"Invalid client_id or client_secret","error":"invalid_client"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","token_type":"bearer","expires_in":%d,"scope":"contact_center:read:admin"}`, n, ts.expiresIn)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newManager(ts *tokenServer, clock *fakeClock) *TokenManager {
	return NewTokenManager(testCreds, ts.URL,
		WithHTTPClient(ts.Client()),
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

// TestIsExpiredWithoutToken verifies a manager that never exchanged reports expired.
func TestIsExpiredWithoutToken(t *testing.T) {
	m := NewTokenManager(testCreds, "")
	if !m.IsExpired() {
		t.Errorf("IsExpired() = false before any exchange")
	}
	if !m.Expiry().IsZero() {
		t.Errorf("Expiry() = %v, want zero", m.Expiry())
	}
}

// TestExpiryBoundary verifies a token fetched at T with lifetime L is valid
// strictly before T+L and expired from T+L on.
func TestExpiryBoundary(t *testing.T) {
	for _, lifetime := range []int64{1, 60, 3599} {
		t.Run(fmt.Sprintf("L=%d", lifetime), func(t *testing.T) {
			ts := newTokenServer(t, lifetime)
			start := time.Date(2023, 10, 5, 12, 0, 0, 0, time.UTC)
			clock := &fakeClock{now: start}
			m := newManager(ts, clock)

			if err := m.Exchange(context.Background()); err != nil {
				t.Fatalf("Exchange() error = %v", err)
			}
			deadline := start.Add(time.Duration(lifetime) * time.Second)
			if !m.Expiry().Equal(deadline) {
				t.Fatalf("Expiry() = %v, want %v", m.Expiry(), deadline)
			}

			for _, at := range []time.Time{start, deadline.Add(-time.Nanosecond)} {
				clock.Set(at)
				if m.IsExpired() {
					t.Errorf("IsExpired() at %v = true, want false", at)
				}
			}
			for _, at := range []time.Time{deadline, deadline.Add(time.Second), deadline.Add(time.Hour)} {
				clock.Set(at)
				if !m.IsExpired() {
					t.Errorf("IsExpired() at %v = false, want true", at)
				}
			}
		})
	}
}

// TestEnsureFreshIdempotent verifies back-to-back calls exchange once.
func TestEnsureFreshIdempotent(t *testing.T) {
	ts := newTokenServer(t, 3600)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newManager(ts, clock)

	ctx := context.Background()
	if err := m.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if err := m.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if got := ts.calls.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}

	// Past expiry the next call refreshes
	clock.Set(clock.Now().Add(time.Hour))
	if err := m.EnsureFresh(ctx); err != nil {
		t.Fatalf("EnsureFresh() error = %v", err)
	}
	if got := ts.calls.Load(); got != 2 {
		t.Errorf("exchanges = %d, want 2", got)
	}
}

// TestEnsureFreshConcurrent verifies concurrent callers share one exchange.
func TestEnsureFreshConcurrent(t *testing.T) {
	ts := newTokenServer(t, 3600)
	m := newManager(ts, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsureFresh(context.Background()); err != nil {
				t.Errorf("EnsureFresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ts.calls.Load(); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

// TestAuthorizeSetsBearer verifies the Authorization header and lazy refresh.
func TestAuthorizeSetsBearer(t *testing.T) {
	ts := newTokenServer(t, 60)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newManager(ts, clock)

	req := httptest.NewRequest(http.MethodGet, "https://api.example/v2/contact_center/recordings", nil)
	if err := m.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer token-1" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer token-1")
	}

	clock.Set(clock.Now().Add(2 * time.Minute))
	if err := m.Authorize(context.Background(), req); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer token-2" {
		t.Errorf("Authorization after expiry = %q, want %q", got, "Bearer token-2")
	}
}

// TestExchangeRejected verifies a non-2xx response is a fatal auth failure.
func TestExchangeRejected(t *testing.T) {
	ts := newTokenServer(t, 3600)
	ts.status = http.StatusUnauthorized
	m := newManager(ts, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	err := m.EnsureFresh(context.Background())
	if err == nil {
		t.Fatalf("EnsureFresh() expected error")
	}
	if errordefs.CodeOf(err) != errordefs.CCREC_AUTH_FAILURE {
		t.Errorf("CodeOf() = %v, want %v", errordefs.CodeOf(err), errordefs.CCREC_AUTH_FAILURE)
	}
	if !errordefs.IsFatal(err) {
		t.Errorf("auth failure should be fatal")
	}
	if !m.IsExpired() {
		t.Errorf("failed exchange must not leave a token")
	}
}

// TestExchangeUnreachable verifies transport errors are auth failures.
func TestExchangeUnreachable(t *testing.T) {
	ts := newTokenServer(t, 3600)
	url := ts.URL
	ts.Close()

	m := NewTokenManager(testCreds, url, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	err := m.Exchange(context.Background())
	if errordefs.CodeOf(err) != errordefs.CCREC_AUTH_FAILURE {
		t.Errorf("Exchange() error = %v, want auth failure", err)
	}
}

// TestExchangeMalformedBody verifies a 200 without access_token is rejected.
func TestExchangeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"token_type":"bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	m := NewTokenManager(testCreds, srv.URL, WithHTTPClient(srv.Client()))
	if err := m.Exchange(context.Background()); errordefs.CodeOf(err) != errordefs.CCREC_AUTH_FAILURE {
		t.Errorf("Exchange() error = %v, want auth failure", err)
	}
}

// TestExchangeJWTAccessToken verifies JWT access tokens are stored verbatim
// and expiry still follows expires_in.
func TestExchangeJWTAccessToken(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "zm:cid:client",
		"exp": time.Unix(1_700_099_999, 0).Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3599}`, signed)
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	m := NewTokenManager(testCreds, srv.URL,
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	)
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != signed {
		t.Errorf("AccessToken mismatch")
	}
	if want := now.Add(3599 * time.Second); !tok.Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, want)
	}
}
