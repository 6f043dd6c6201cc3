// internal/zoomcc/client.go
// Package zoomcc is a client for the Zoom Contact Center recordings API.
// It lists recordings page by page and streams each recording's media to disk,
// authorizing every request with a freshly checked bearer token.
package zoomcc

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/schema"
)

// DefaultBaseURL is the Zoom REST API root.
const DefaultBaseURL = "https://api.zoom.us/v2"

// DefaultTimeout bounds a single request including its body. List pages and
// media downloads can be slow, so it is deliberately long.
const DefaultTimeout = 50 * time.Minute

// Authorizer sets a valid Authorization header on an outgoing request,
// refreshing the underlying token first when it has expired.
type Authorizer interface {
	Authorize(ctx context.Context, req *http.Request) error
}

// Client for the contact-center recordings endpoints.
type Client struct {
	base      string            // API root, without trailing slash
	hc        *http.Client      // HTTP client with long timeout
	auth      Authorizer        // Bearer token source
	validator *schema.Validator // List page validation
	metrics   *metrics.Metrics  // Request and download counters
	logger    *slog.Logger      // Structured logger
	pageSize  int               // page_size query parameter, omitted when 0
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithPageSize sets the page_size sent with list requests.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewHTTPClient builds the HTTP client used for API calls with the given overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: 30 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// New creates a new recordings client.
// Parameters:
//   - baseURL: API root, DefaultBaseURL when empty
//   - auth: Token source consulted before every request
//   - opts: Optional overrides
// Returns:
//   - *Client: Initialized client
func New(baseURL string, auth Authorizer, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		base:      strings.TrimRight(baseURL, "/"),
		hc:        NewHTTPClient(DefaultTimeout),
		auth:      auth,
		validator: schema.MustNewValidator(),
		metrics:   metrics.NewMetrics(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// statusClass returns the label used for a response status.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
