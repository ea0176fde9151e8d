// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package googleid verifies Google ID tokens for federated login.
package googleid

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/samber/oops"

	"github.com/smartpark/authd/internal/auth"
)

// GoogleKeysURL is Google's published JWKS endpoint for ID token signatures.
const GoogleKeysURL = "https://www.googleapis.com/oauth2/v3/certs"

// Google issues tokens under both issuer forms.
var validIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// KeySetSource provides the JWK set used to verify token signatures. Tests
// inject a static set; production uses the auto-refreshing CachedKeySet.
type KeySetSource interface {
	Get(ctx context.Context) (jwk.Set, error)
}

// CachedKeySet fetches Google's JWKS and refreshes it in the background,
// honoring the endpoint's cache headers.
type CachedKeySet struct {
	cache *jwk.Cache
	url   string
}

// NewCachedKeySet registers the Google JWKS endpoint with a refreshing cache.
// The context bounds the lifetime of the background refresh goroutine.
func NewCachedKeySet(ctx context.Context) (*CachedKeySet, error) {
	cache := jwk.NewCache(ctx)
	err := cache.Register(GoogleKeysURL, jwk.WithMinRefreshInterval(15*time.Minute))
	if err != nil {
		return nil, oops.Code("GOOGLE_JWKS_REGISTER_FAILED").
			With("url", GoogleKeysURL).
			Wrap(err)
	}
	return &CachedKeySet{cache: cache, url: GoogleKeysURL}, nil
}

// Get returns the current key set, fetching if the cache is cold or stale.
func (s *CachedKeySet) Get(ctx context.Context) (jwk.Set, error) {
	set, err := s.cache.Get(ctx, s.url)
	if err != nil {
		return nil, oops.Code("GOOGLE_JWKS_FETCH_FAILED").
			With("url", s.url).
			Wrap(err)
	}
	return set, nil
}

// Verifier validates Google ID tokens and implements auth.FederatedVerifier.
type Verifier struct {
	keys     KeySetSource
	clientID string
}

// NewVerifier creates a Verifier. clientID is the OAuth client ID the token's
// audience must match.
func NewVerifier(keys KeySetSource, clientID string) (*Verifier, error) {
	if keys == nil {
		return nil, oops.Code("GOOGLE_VERIFIER_MISCONFIGURED").
			Errorf("key set source is required")
	}
	if clientID == "" {
		return nil, oops.Code("GOOGLE_VERIFIER_MISCONFIGURED").
			Errorf("client ID is required")
	}
	return &Verifier{keys: keys, clientID: clientID}, nil
}

// Verify checks the token's signature, expiry, issuer, and audience, and
// returns the verified identity attributes.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*auth.FederatedIdentity, error) {
	set, err := v.keys.Get(ctx)
	if err != nil {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").
			With("operation", "load key set").
			Wrap(err)
	}

	tok, err := jwt.ParseString(rawToken,
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").
			With("operation", "parse and validate token").
			Wrap(err)
	}

	if !validIssuers[tok.Issuer()] {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").
			With("issuer", tok.Issuer()).
			Errorf("unexpected issuer")
	}

	if !audienceContains(tok.Audience(), v.clientID) {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").
			Errorf("audience does not include client ID")
	}

	email := stringClaim(tok, "email")
	if email == "" {
		return nil, oops.Code("GOOGLE_TOKEN_INVALID").
			Errorf("token carries no email claim")
	}

	return &auth.FederatedIdentity{
		Email:       email,
		DisplayName: stringClaim(tok, "name"),
	}, nil
}

func audienceContains(auds []string, clientID string) bool {
	for _, aud := range auds {
		if aud == clientID {
			return true
		}
	}
	return false
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Compile-time interface check.
var _ auth.FederatedVerifier = (*Verifier)(nil)
