// Package token implements the Credential / Token Provider (spec.md §4.1):
// a client-credentials OAuth2 token cache that serializes concurrent
// refreshes behind a single flight.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shineum/graph-mailgate/internal/mail"
)

const defaultScope = "https://graph.microsoft.com/.default"

// Config configures a Cache.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Scope defaults to the Graph mail backend's .default scope.
	Scope      string
	HTTPClient *http.Client

	// TokenURL overrides the tenant-derived token endpoint, for tests
	// that point the Cache at a fake token server.
	TokenURL string
}

// Cache maintains at most one cached token and one in-flight refresh, per
// spec.md §4.1: a valid cached token is returned without blocking; an
// absent or stale one is refreshed by exactly one concurrent caller, all
// others sharing the result.
type Cache struct {
	cfg Config

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	group singleflight.Group
}

// NewCache builds a Cache for one sender instance's AuthConfig.
func NewCache(cfg Config) *Cache {
	if cfg.Scope == "" {
		cfg.Scope = defaultScope
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Cache{cfg: cfg}
}

// TokenURL returns the tenant-scoped client-credentials token endpoint.
func TokenURL(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a bearer token whose expiry is more than the safety buffer
// in the future, refreshing if necessary. Safe for concurrent use.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok, exp := c.accessToken, c.expiresAt
	c.mu.Unlock()

	if tok != "" && time.Now().Add(mail.TokenSafetyBuffer).Before(exp) {
		return tok, nil
	}

	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh acquires a new token from the OAuth2 token endpoint. On failure
// the cache is left unchanged.
func (c *Cache) refresh(ctx context.Context) (string, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"scope":         {c.cfg.Scope},
	}

	tokenURL := c.cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL(c.cfg.TenantID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", mail.AuthError(fmt.Errorf("building token request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", mail.AuthError(fmt.Errorf("token request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return "", mail.AuthError(fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, errBody.Error, errBody.ErrorDescription))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", mail.AuthError(fmt.Errorf("parsing token response: %w", err))
	}
	if tr.AccessToken == "" {
		return "", mail.AuthError(fmt.Errorf("token response missing access_token"))
	}

	c.mu.Lock()
	c.accessToken = tr.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.mu.Unlock()

	return tr.AccessToken, nil
}
