// Package creds maintains per-tenant EMR access tokens: an in-process
// cache backed by the watch store, with single-flight refresh so that
// concurrent workflow runs for one tenant perform at most one token
// exchange.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/clinichub/ddxwatch/internal/store"
)

// refreshSkew is how long before expiry a token is treated as stale.
// Covers clock drift between us and the token endpoint plus the longest
// poll step.
const refreshSkew = 2 * time.Minute

// Exchanger performs a client-credentials token exchange for one tenant.
// The oauth2 implementation is in NewExchanger; tests substitute fakes.
type Exchanger interface {
	Exchange(ctx context.Context, tenantID string) (token string, expiresAt time.Time, err error)
}

// Store is the credential persistence surface. Implemented by
// *store.Store.
type Store interface {
	GetCredential(ctx context.Context, tenantID string) (*store.Credential, error)
	PutCredential(ctx context.Context, cred *store.Credential) error
}

// Cache returns valid tokens per tenant, refreshing through the
// Exchanger when the cached token is missing or stale. Lookups that miss
// coalesce per tenant, so N concurrent callers cost one exchange.
type Cache struct {
	store     Store
	exchanger Exchanger
	logger    *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	tokens  map[string]*store.Credential
	nowFunc func() time.Time
}

// NewCache creates a credential cache over the given store and exchanger.
func NewCache(s Store, exchanger Exchanger, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		store:     s,
		exchanger: exchanger,
		logger:    logger,
		tokens:    make(map[string]*store.Credential),
		nowFunc:   time.Now,
	}
}

// Token returns a valid access token for the tenant, refreshing if the
// cached one is missing or within the refresh skew of expiry.
func (c *Cache) Token(ctx context.Context, tenantID string) (string, error) {
	if tok, ok := c.fresh(tenantID); ok {
		return tok, nil
	}

	// Coalesce concurrent refreshes per tenant.
	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		return c.refresh(ctx, tenantID)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// fresh returns the in-memory token for the tenant if it is outside the
// refresh skew.
func (c *Cache) fresh(tenantID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cred, ok := c.tokens[tenantID]
	if !ok || c.stale(cred) {
		return "", false
	}

	return cred.AccessToken, true
}

func (c *Cache) stale(cred *store.Credential) bool {
	return !c.nowFunc().Add(refreshSkew).Before(cred.ExpiresAt)
}

// refresh reloads the tenant's credential, preferring a still-fresh
// persisted token over a new exchange so process restarts do not burn
// token-endpoint quota.
func (c *Cache) refresh(ctx context.Context, tenantID string) (string, error) {
	// Re-check under the flight: a concurrent caller may have refreshed
	// between our miss and the group admitting us.
	if tok, ok := c.fresh(tenantID); ok {
		return tok, nil
	}

	persisted, err := c.store.GetCredential(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("creds: loading credential for tenant %s: %w", tenantID, err)
	}

	if persisted != nil && !c.stale(persisted) {
		c.remember(persisted)
		return persisted.AccessToken, nil
	}

	token, expiresAt, err := c.exchanger.Exchange(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("creds: exchanging credentials for tenant %s: %w", tenantID, err)
	}

	cred := &store.Credential{
		TenantID:    tenantID,
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}

	if err := c.store.PutCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("creds: persisting credential for tenant %s: %w", tenantID, err)
	}

	c.remember(cred)

	c.logger.Info("credentials refreshed",
		slog.String("tenant", tenantID),
		slog.Time("expires_at", expiresAt),
	)

	return token, nil
}

func (c *Cache) remember(cred *store.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tokens[cred.TenantID] = cred
}

// Source adapts the cache into a single-tenant token source for the EMR
// client.
func (c *Cache) Source(tenantID string) *TenantSource {
	return &TenantSource{cache: c, tenantID: tenantID}
}

// TenantSource is the emr.TokenSource for one tenant.
type TenantSource struct {
	cache    *Cache
	tenantID string
}

func (s *TenantSource) Token(ctx context.Context) (string, error) {
	return s.cache.Token(ctx, s.tenantID)
}

// TenantEndpoint is the token-endpoint configuration for one tenant.
type TenantEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// oauthExchanger performs real client-credentials exchanges through
// golang.org/x/oauth2.
type oauthExchanger struct {
	endpoints map[string]TenantEndpoint
}

// NewExchanger creates an Exchanger over the configured tenant endpoints.
func NewExchanger(endpoints map[string]TenantEndpoint) Exchanger {
	return &oauthExchanger{endpoints: endpoints}
}

func (e *oauthExchanger) Exchange(ctx context.Context, tenantID string) (string, time.Time, error) {
	ep, ok := e.endpoints[tenantID]
	if !ok {
		return "", time.Time{}, fmt.Errorf("creds: no token endpoint configured for tenant %s", tenantID)
	}

	cfg := clientcredentials.Config{
		ClientID:     ep.ClientID,
		ClientSecret: ep.ClientSecret,
		TokenURL:     ep.TokenURL,
		Scopes:       ep.Scopes,
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creds: token exchange: %w", err)
	}

	return tok.AccessToken, tok.Expiry, nil
}
