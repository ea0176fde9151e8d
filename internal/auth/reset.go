// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Reset token configuration.
const (
	// ResetTokenBytes is the token entropy; 32 bytes encodes to 64 hex chars.
	ResetTokenBytes = 32

	// DefaultResetTokenTTL matches the lifetime communicated to users in the
	// reset email. Unlike the historical behavior this is enforced
	// server-side.
	DefaultResetTokenTTL = 15 * time.Minute
)

// PasswordReset is the active reset request for an identity. The plaintext
// token is never stored; only its SHA-256 hash is, alongside an explicit
// expiry instead of piggybacking on the credential field.
type PasswordReset struct {
	ID         ulid.ULID
	IdentityID ulid.ULID
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// NewPasswordReset creates a validated PasswordReset.
func NewPasswordReset(identityID ulid.ULID, tokenHash string, expiresAt time.Time) (*PasswordReset, error) {
	if identityID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("RESET_INVALID_IDENTITY").Errorf("identity ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("RESET_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if expiresAt.IsZero() {
		return nil, oops.Code("RESET_INVALID_EXPIRY").Errorf("expiry time cannot be zero")
	}

	return &PasswordReset{
		ID:         ulid.Make(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt,
		CreatedAt:  time.Now(),
	}, nil
}

// IsExpired returns true if the reset token has expired.
func (r *PasswordReset) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// GenerateResetToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error). The plaintext token goes to
// the user; only the hash is persisted.
func GenerateResetToken() (token, hash string, err error) {
	tokenBytes := make([]byte, ResetTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("RESET_TOKEN_GENERATE_FAILED").Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashResetToken(token)

	return token, hash, nil
}

// HashResetToken computes the SHA-256 hash of a token.
func HashResetToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyResetToken checks if the plaintext token matches the stored hash.
// Uses constant-time comparison to prevent timing attacks.
func VerifyResetToken(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	computed := HashResetToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// PasswordResetRepository manages password reset persistence. An identity has
// at most one active reset; issuing a new one replaces the previous.
type PasswordResetRepository interface {
	// Create stores a new password reset request.
	Create(ctx context.Context, reset *PasswordReset) error

	// GetByIdentity retrieves the active reset request for an identity.
	// Returns ErrNotFound if none exists.
	GetByIdentity(ctx context.Context, identityID ulid.ULID) (*PasswordReset, error)

	// DeleteByIdentity removes all reset requests for an identity.
	DeleteByIdentity(ctx context.Context, identityID ulid.ULID) error

	// DeleteExpired removes all expired reset requests and returns the count
	// of deleted records.
	DeleteExpired(ctx context.Context) (int64, error)
}
