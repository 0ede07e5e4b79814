// Package auth resolves proxy credentials from bearer tokens.
// Resolved credentials are cached in a W-TinyLFU cache with a short TTL so
// key deactivations take effect promptly.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Store is the lookup surface the authenticator needs.
type Store interface {
	GetProxyKey(ctx context.Context, key string) (*proxy.ProxyKey, error)
	GetUser(ctx context.Context, id int64) (*proxy.User, error)
}

var _ proxy.Authenticator = (*ProxyKeyAuth)(nil)

// ProxyKeyAuth authenticates requests using "sk-proxy-" bearer credentials.
type ProxyKeyAuth struct {
	store Store
	cache *otter.Cache[string, *proxy.Credential]
}

// New returns a ProxyKeyAuth backed by store.
func New(store Store) (*ProxyKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *proxy.Credential]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *proxy.Credential](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &ProxyKeyAuth{store: store, cache: c}, nil
}

// Authenticate extracts a bearer token from the Authorization header and
// resolves it to a credential. Unknown or inactive keys yield
// ErrUnauthorized; a valid key owned by an inactive user yields
// ErrUserInactive so the caller can answer 403 instead of 401.
func (a *ProxyKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*proxy.Credential, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, proxy.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, proxy.ProxyKeyPrefix) {
		return nil, proxy.ErrUnauthorized
	}

	if cred, ok := a.cache.GetIfPresent(raw); ok {
		return checkCredential(cred)
	}

	key, err := a.store.GetProxyKey(ctx, raw)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			return nil, proxy.ErrUnauthorized
		}
		return nil, err
	}
	user, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, proxy.ErrNotFound) {
			return nil, proxy.ErrUserInactive
		}
		return nil, err
	}

	cred := &proxy.Credential{User: user, Key: key}
	a.cache.Set(raw, cred)
	return checkCredential(cred)
}

// Invalidate drops a cached credential, for when a key or user is changed
// administratively.
func (a *ProxyKeyAuth) Invalidate(rawKey string) {
	a.cache.Invalidate(rawKey)
}

// checkCredential enforces active flags on both the key and its user.
// Flags are re-checked on cache hits too: a stale positive entry must not
// outlive a revocation by more than the lookup TTL.
func checkCredential(cred *proxy.Credential) (*proxy.Credential, error) {
	if !cred.Key.IsActive {
		return nil, proxy.ErrUnauthorized
	}
	if !cred.User.IsActive {
		return nil, proxy.ErrUserInactive
	}
	return cred, nil
}
