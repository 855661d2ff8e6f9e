// Package gateway executes authenticated calls against the JobBOSS2 REST API.
// It owns the OAuth client-credentials token cache and the table of tools the
// relay serves natively.
package gateway

import (
	"bytes"
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

	"github.com/zcad-products/jobboss2-relay/logger"
)

const (
	// DefaultTokenTTL applies when the token endpoint omits expires_in.
	DefaultTokenTTL = 3600 * time.Second

	// TokenSafetyMargin is subtracted from every token lifetime so a token
	// is not used right as it expires in flight.
	TokenSafetyMargin = 10 * time.Second

	maxIdleConnsPerHost = 32
)

// Options configures a Gateway.
type Options struct {
	APIURL        string
	APIKey        string
	APISecret     string
	OAuthTokenURL string
	Timeout       time.Duration // applies to every outbound call, token exchange included
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   *int64 `json:"expires_in"`
}

// Gateway issues bearer-authenticated requests, refreshing its token as
// needed. It is safe for concurrent use.
type Gateway struct {
	opts  Options
	http  *http.Client
	now   func() time.Time
	log   *slog.Logger
	mu    sync.RWMutex
	token *cachedToken
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.http = c
	}
}

// WithClock replaces time.Now for token expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a Gateway. No network call is made until the first request.
func New(opts Options, options ...Option) *Gateway {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	g := &Gateway{
		opts: opts,
		http: &http.Client{Timeout: opts.Timeout, Transport: transport},
		now:  time.Now,
		log:  logger.WithComponent("gateway"),
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// EnsureToken returns a valid bearer token, performing the OAuth exchange when
// the cache is empty or expired. Concurrent callers share a single exchange.
func (g *Gateway) EnsureToken(ctx context.Context) (string, error) {
	g.mu.RLock()
	tok := g.token
	g.mu.RUnlock()
	if tok != nil && g.now().Before(tok.expiresAt) {
		return tok.value, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock
	if g.token != nil && g.now().Before(g.token.expiresAt) {
		return g.token.value, nil
	}

	fresh, err := g.exchange(ctx)
	if err != nil {
		return "", err
	}
	g.token = fresh
	return fresh.value, nil
}

func (g *Gateway) exchange(ctx context.Context) (*cachedToken, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	req.SetBasicAuth(g.opts.APIKey, g.opts.APISecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := g.now()
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthError{Status: resp.StatusCode, Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		g.log.Warn("token exchange rejected", "status", resp.StatusCode)
		return nil, &AuthError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("token response has no access_token")}
	}

	ttl := DefaultTokenTTL
	if tr.ExpiresIn != nil {
		ttl = time.Duration(*tr.ExpiresIn) * time.Second
	}
	ttl -= TokenSafetyMargin
	if ttl < 0 {
		ttl = 0
	}

	g.log.Debug("token refreshed", "ttl", ttl, "took", g.now().Sub(start))
	return &cachedToken{value: tr.AccessToken, expiresAt: start.Add(ttl)}, nil
}

// Execute sends method to the API base URL joined with path. An empty
// response body yields JSON null; a body that is not JSON is returned as a
// JSON string.
func (g *Gateway) Execute(ctx context.Context, method, path string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	token, err := g.EnsureToken(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimRight(g.opts.APIURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL for %s: %w", path, err)
	}
	if len(query) > 0 {
		// Merge with any query string already present in path
		merged := u.Query()
		for key, values := range query {
			for _, v := range values {
				merged.Add(key, v)
			}
		}
		u.RawQuery = merged.Encode()
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response for %s %s: %w", method, path, err)
	}
	g.log.Debug("api call", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if !isSuccess(resp.StatusCode) {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	return decodeBody(raw), nil
}

func decodeBody(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	text, _ := json.Marshal(string(raw))
	return text
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
