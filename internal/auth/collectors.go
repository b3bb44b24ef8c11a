package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	oidc "github.com/coreos/go-oidc/v3/oidc"
)

// StaticCollector serves a fixed, operator-configured key set (spec §4.8
// "static" KeyCollector).
type StaticCollector struct {
	keys []Key
}

func NewStaticCollector(keys []Key) *StaticCollector { return &StaticCollector{keys: keys} }

func (c *StaticCollector) Keys(ctx context.Context) ([]Key, error) { return c.keys, nil }
func (c *StaticCollector) Refresh(ctx context.Context)              {}

// JWKSCollector wraps a remote JWKS endpoint via keyfunc, which re-fetches
// the key set on its RefreshInterval timer. Refresh does not fetch: it only
// rebuilds Keys from the set keyfunc already holds, so a key missing from
// that set stays missing until the next timed fetch. The fetch uses
// keyfunc's default HTTP client; no DNS or IP-range restriction is applied.
type JWKSCollector struct {
	url             string
	issuerDiscovery bool

	mu      sync.RWMutex
	jwks    *keyfunc.JWKS
	keys    []Key
}

// NewJWKSCollector fetches keys from url (or, if issuerDiscovery is set,
// from the provider metadata's jwks_uri) and keeps them refreshed.
func NewJWKSCollector(ctx context.Context, url string, issuerDiscovery bool, refreshInterval time.Duration) (*JWKSCollector, error) {
	c := &JWKSCollector{url: url, issuerDiscovery: issuerDiscovery}
	resolvedURL := url
	if issuerDiscovery {
		provider, err := oidc.NewProvider(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("auth: discover issuer %s: %w", url, err)
		}
		var meta struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err == nil && meta.JWKSURI != "" {
			resolvedURL = meta.JWKSURI
		}
	}
	jwks, err := keyfunc.Get(resolvedURL, keyfunc.Options{
		RefreshInterval:   refreshInterval,
		RefreshErrorHandler: func(err error) {},
	})
	if err != nil {
		return nil, fmt.Errorf("auth: fetch jwks %s: %w", resolvedURL, err)
	}
	c.jwks = jwks
	c.rebuildKeys()
	return c, nil
}

func (c *JWKSCollector) rebuildKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jwks == nil {
		return
	}
	var keys []Key
	for kid, raw := range c.jwks.ReadOnlyKeys() {
		alg := ""
		switch raw.(type) {
		case *rsa.PublicKey:
			alg = "RS256"
		case *ecdsa.PublicKey:
			alg = "ES256"
		}
		keys = append(keys, Key{Kid: kid, Algorithm: alg, Public: raw})
	}
	c.keys = keys
}

func (c *JWKSCollector) Keys(ctx context.Context) ([]Key, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys, nil
}

func (c *JWKSCollector) Refresh(ctx context.Context) {
	c.rebuildKeys()
}

// SupabaseCollector implements the Supabase-style shared-secret shim: a
// single HS256 wildcard key, sourced from the project's JWT secret (spec
// §4.8 "Supabase-style shared-secret shims").
type SupabaseCollector struct {
	secret []byte
}

func NewSupabaseCollector(sharedSecret string) *SupabaseCollector {
	return &SupabaseCollector{secret: []byte(sharedSecret)}
}

func (c *SupabaseCollector) Keys(ctx context.Context) ([]Key, error) {
	if len(c.secret) == 0 {
		return nil, nil
	}
	return []Key{{Algorithm: "HS256", Public: c.secret}}, nil
}

func (c *SupabaseCollector) Refresh(ctx context.Context) {}

// IsSupabaseIssuer reports whether iss matches Supabase's hosted-project
// domain, used to attach the Supabase-specific hint on ERR_KEY_NOT_FOUND
// (spec §4.8 step 5).
func IsSupabaseIssuer(iss string) bool {
	return strings.Contains(iss, ".supabase.co")
}
