// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the bcrypt work factor used for all new hashes.
const BcryptCost = 12

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification. Hashing is
// expensive and implementations may queue work, so Hash and Verify take a
// context and give up when it is cancelled.
type PasswordHasher interface {
	// Hash produces a salted bcrypt hash of the password.
	Hash(ctx context.Context, password string) (string, error)

	// Verify reports whether password matches secret under the scheme
	// recorded in secret. A malformed secret verifies false, never panics.
	// A cancelled context verifies false.
	Verify(ctx context.Context, password, secret string) bool

	// IsLegacyPlaintext reports whether secret lacks a recognizable hash
	// prefix, meaning a legacy account stored the raw password.
	IsLegacyPlaintext(secret string) bool
}

// BcryptHasher implements PasswordHasher using bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher creates a BcryptHasher with the standard cost.
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{cost: BcryptCost}
}

// Hash produces a salted bcrypt hash of the password. Each call uses a fresh
// random salt, so hashing the same password twice yields distinct secrets.
func (h *BcryptHasher) Hash(_ context.Context, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", oops.Code("AUTH_HASH_FAILED").Wrap(err)
	}
	return string(hashed), nil
}

// Verify reports whether password matches secret. bcrypt records its own
// parameters inside the secret, so verification is self-describing; any
// parse failure is treated as a mismatch.
func (h *BcryptHasher) Verify(_ context.Context, password, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
}

// IsLegacyPlaintext reports whether secret is a pre-hashing legacy value.
// All bcrypt variants serialize with a "$2" prefix; anything else is the raw
// password a legacy account was created with.
func (h *BcryptHasher) IsLegacyPlaintext(secret string) bool {
	return secret != "" && !strings.HasPrefix(secret, "$2")
}

// Compile-time interface check.
var _ PasswordHasher = (*BcryptHasher)(nil)
