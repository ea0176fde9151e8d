// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	// MinSigningKeyLen is the minimum symmetric key length in bytes. A
	// shorter HMAC key materially weakens the signature.
	MinSigningKeyLen = 16

	// DefaultTokenTTL is the session token lifetime when none is configured.
	DefaultTokenTTL = 2 * time.Hour
)

// EmailClaim is the custom claim carrying the identity's email.
const EmailClaim = "email"

// TokenConfig holds the injected signing parameters for session tokens.
type TokenConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	TTL        time.Duration
}

// TokenIssuer builds and signs session tokens from a verified identity.
// Tokens are JWTs signed with HMAC-SHA-256 carrying subject (identity id)
// and email claims. Validation is the transport layer's job; this type only
// produces well-formed signed artifacts.
type TokenIssuer struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. It fails with AUTH_KEY_MISCONFIGURED
// when the signing key is absent or shorter than MinSigningKeyLen; that is a
// startup error, not a per-request one.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if len(cfg.SigningKey) < MinSigningKeyLen {
		return nil, oops.Code("AUTH_KEY_MISCONFIGURED").
			With("key_len", len(cfg.SigningKey)).
			With("min_len", MinSigningKeyLen).
			Errorf("signing key is missing or too short")
	}
	if cfg.Issuer == "" {
		return nil, oops.Code("AUTH_KEY_MISCONFIGURED").Errorf("token issuer is required")
	}
	if cfg.Audience == "" {
		return nil, oops.Code("AUTH_KEY_MISCONFIGURED").Errorf("token audience is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	return &TokenIssuer{cfg: cfg, now: time.Now}, nil
}

// Issue signs a session token for the identity.
func (ti *TokenIssuer) Issue(identity *Identity) (string, error) {
	if identity == nil {
		return "", oops.Code("AUTH_TOKEN_ISSUE_FAILED").Errorf("identity is required")
	}

	now := ti.now()
	tok, err := jwt.NewBuilder().
		Issuer(ti.cfg.Issuer).
		Audience([]string{ti.cfg.Audience}).
		Subject(identity.ID.String()).
		Claim(EmailClaim, identity.Email).
		IssuedAt(now).
		Expiration(now.Add(ti.cfg.TTL)).
		Build()
	if err != nil {
		return "", oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("operation", "build claims").
			Wrap(err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, ti.cfg.SigningKey))
	if err != nil {
		return "", oops.Code("AUTH_TOKEN_ISSUE_FAILED").
			With("operation", "sign token").
			Wrap(err)
	}
	return string(signed), nil
}

// TTL returns the configured token lifetime.
func (ti *TokenIssuer) TTL() time.Duration {
	return ti.cfg.TTL
}
