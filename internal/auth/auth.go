// Package auth implements the Auth Key Store (spec §4.8, Component H):
// key collection from static, JWKS, and Supabase-shared-secret sources,
// kid/wildcard key selection, and claim enforcement.
package auth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/powersync/sync-service/internal/perr"
)

// Key is one verification key a KeyCollector contributes.
type Key struct {
	Kid         string // "" = wildcard
	Algorithm   string // JWT "alg" this key verifies
	Public      interface{}
	MaxLifetime time.Duration // 0 = use the store-wide default
	Audience    []string      // nil = use the store-wide default
}

// KeyCollector supplies a snapshot of currently-valid keys.
type KeyCollector interface {
	Keys(ctx context.Context) ([]Key, error)
	// Refresh is called on a key miss (spec §4.8 step 5). Collectors
	// without a remote source are a no-op; JWKSCollector only rebuilds its
	// keys from the set keyfunc already holds (see its doc).
	Refresh(ctx context.Context)
}

// Store is the Auth Key Store: it verifies bearer tokens against the
// keys its collectors supply.
type Store struct {
	collectors   []KeyCollector
	audience     []string
	maxLifetime  time.Duration
}

// New constructs a Store enforcing the given default audience list and
// max token lifetime (config-level defaults; per-key overrides win).
func New(collectors []KeyCollector, audience []string, maxLifetime time.Duration) *Store {
	return &Store{collectors: collectors, audience: audience, maxLifetime: maxLifetime}
}

// Claims is the verified set of JWT claims a connection authenticates
// with, handed to the Bucket Parameter Resolver (Component E).
type Claims map[string]interface{}

// Verify implements the algorithm of spec §4.8: collect keys, select by
// kid or scan wildcards, verify the signature, and enforce sub/iat/exp,
// audience, and max lifetime.
func (s *Store) Verify(ctx context.Context, tokenString string) (Claims, error) {
	keys, err := s.collectAll(ctx)
	if err != nil {
		return nil, err
	}

	headerKid, headerAlg, err := peekHeader(tokenString)
	if err != nil {
		return nil, perr.Wrap(perr.CodeMissingClaim, "malformed token header", err)
	}

	var selected *Key
	if headerKid != "" {
		for i := range keys {
			if keys[i].Kid == headerKid {
				if !algFamiliesMatch(keys[i].Algorithm, headerAlg) {
					return nil, perr.New(perr.CodeAlgMismatch, "token alg does not match the algorithm family of its kid's key")
				}
				selected = &keys[i]
				break
			}
		}
		if selected == nil {
			s.refreshAll(ctx)
			return nil, s.keyNotFoundError(tokenString)
		}
	} else {
		for i := range keys {
			if keys[i].Kid != "" {
				continue
			}
			if !algFamiliesMatch(keys[i].Algorithm, headerAlg) {
				continue
			}
			if claims, err := s.tryVerify(tokenString, &keys[i]); err == nil {
				return s.enforceClaims(claims, &keys[i])
			}
		}
		s.refreshAll(ctx)
		return nil, s.keyNotFoundError(tokenString)
	}

	claims, err := s.tryVerify(tokenString, selected)
	if err != nil {
		return nil, err
	}
	return s.enforceClaims(claims, selected)
}

func (s *Store) collectAll(ctx context.Context) ([]Key, error) {
	var all []Key
	for _, c := range s.collectors {
		keys, err := c.Keys(ctx)
		if err != nil {
			continue // a down collector should not block others (spec §7 propagation policy)
		}
		all = append(all, keys...)
	}
	return all, nil
}

func (s *Store) refreshAll(ctx context.Context) {
	for _, c := range s.collectors {
		go c.Refresh(ctx)
	}
}

func (s *Store) tryVerify(tokenString string, key *Key) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return key.Public, nil
	}, jwt.WithValidMethods(algNamesOf(key.Algorithm)))
	if err != nil {
		return nil, perr.Wrap(perr.CodeKeyNotFound, "signature verification failed", err)
	}
	return claims, nil
}

// enforceClaims applies spec §4.8 step 4.
func (s *Store) enforceClaims(claims jwt.MapClaims, key *Key) (Claims, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, perr.New(perr.CodeMissingClaim, "sub claim required")
	}
	iat, iatOK := numericDate(claims["iat"])
	exp, expOK := numericDate(claims["exp"])
	if !iatOK || !expOK {
		return nil, perr.New(perr.CodeMissingClaim, "iat/exp claims required")
	}
	if time.Now().After(exp) {
		return nil, perr.New(perr.CodeTokenExpired, "token expired")
	}

	aud := s.audience
	if len(key.Audience) > 0 {
		aud = key.Audience
	}
	if len(aud) > 0 && !audienceOverlaps(claims["aud"], aud) {
		return nil, perr.New(perr.CodeAudMismatch, "token audience does not match configured audience")
	}

	maxLife := s.maxLifetime
	if key.MaxLifetime > 0 {
		maxLife = key.MaxLifetime
	}
	if maxLife > 0 && exp.Sub(iat) > maxLife {
		return nil, perr.New(perr.CodeMaxLifetime, "token lifetime exceeds maxLifetime")
	}

	return Claims(claims), nil
}

// keyNotFoundError raises ERR_KEY_NOT_FOUND with a Supabase-specific hint
// when the token's issuer looks like a hosted Supabase project (spec
// §4.8 step 5).
func (s *Store) keyNotFoundError(tokenString string) error {
	e := perr.New(perr.CodeKeyNotFound, "no matching key found")
	if iss := peekIssuer(tokenString); IsSupabaseIssuer(iss) {
		return e.WithHint("Supabase projects verify with the project JWT secret; configure auth.supabase_shared_secret")
	}
	return e
}

func peekIssuer(tokenString string) string {
	parts := strings.SplitN(tokenString, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	payload, err := jwt.DecodeSegment(parts[1])
	if err != nil {
		return ""
	}
	var p struct {
		Iss string `json:"iss"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.Iss
}

func numericDate(v interface{}) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case jwt.NumericDate:
		return n.Time, true
	}
	return time.Time{}, false
}

func audienceOverlaps(claimAud interface{}, configured []string) bool {
	var auds []string
	switch v := claimAud.(type) {
	case string:
		auds = []string{v}
	case []interface{}:
		for _, x := range v {
			if s, ok := x.(string); ok {
				auds = append(auds, s)
			}
		}
	}
	for _, a := range auds {
		for _, c := range configured {
			if a == c {
				return true
			}
		}
	}
	return false
}

func algFamiliesMatch(keyAlg, tokenAlg string) bool {
	family := func(a string) string {
		switch {
		case strings.HasPrefix(a, "HS"):
			return "HMAC"
		case strings.HasPrefix(a, "RS"), strings.HasPrefix(a, "PS"):
			return "RSA"
		case strings.HasPrefix(a, "ES"):
			return "ECDSA"
		case strings.HasPrefix(a, "EdDSA"):
			return "EdDSA"
		default:
			return a
		}
	}
	return family(keyAlg) == family(tokenAlg)
}

func algNamesOf(alg string) []string { return []string{alg} }

func peekHeader(tokenString string) (kid, alg string, err error) {
	parts := strings.SplitN(tokenString, ".", 2)
	if len(parts) < 1 {
		return "", "", perr.New(perr.CodeMissingClaim, "malformed token")
	}
	header, err := jwt.DecodeSegment(parts[0])
	if err != nil {
		return "", "", err
	}
	var h struct {
		Kid string `json:"kid"`
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(header, &h); err != nil {
		return "", "", err
	}
	return h.Kid, h.Alg, nil
}
