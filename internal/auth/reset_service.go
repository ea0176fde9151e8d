// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/samber/oops"

	"github.com/smartpark/authd/pkg/errutil"
)

// PasswordResetService handles the password reset flow: request issues a
// single-use token and builds the reset link; complete consumes the token
// and installs a fresh password hash.
type PasswordResetService struct {
	identities IdentityRepository
	resets     PasswordResetRepository
	hasher     PasswordHasher
	linkBase   string
	tokenTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPasswordResetService creates a PasswordResetService. linkBase is the
// absolute URL the reset link is built on (e.g. "https://app.example.com/reset-password").
func NewPasswordResetService(
	identities IdentityRepository,
	resets PasswordResetRepository,
	hasher PasswordHasher,
	linkBase string,
	tokenTTL time.Duration,
) (*PasswordResetService, error) {
	return NewPasswordResetServiceWithLogger(identities, resets, hasher, linkBase, tokenTTL, slog.Default())
}

// NewPasswordResetServiceWithLogger creates a PasswordResetService with an
// explicit logger.
func NewPasswordResetServiceWithLogger(
	identities IdentityRepository,
	resets PasswordResetRepository,
	hasher PasswordHasher,
	linkBase string,
	tokenTTL time.Duration,
	logger *slog.Logger,
) (*PasswordResetService, error) {
	if identities == nil {
		return nil, oops.Errorf("identities repository is required")
	}
	if resets == nil {
		return nil, oops.Errorf("resets repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultResetTokenTTL
	}
	return &PasswordResetService{
		identities: identities,
		resets:     resets,
		hasher:     hasher,
		linkBase:   linkBase,
		tokenTTL:   tokenTTL,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// TokenTTL returns the configured reset token lifetime.
func (s *PasswordResetService) TokenTTL() time.Duration {
	return s.tokenTTL
}

// RequestReset issues a reset token for the identity with the given email and
// returns the reset link for delivery. Fails with ErrNotFound when no
// identity matches. A previously issued token is invalidated; only the newest
// reset is active.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) (string, error) {
	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", oops.Code("RESET_UNKNOWN_EMAIL").Wrap(ErrNotFound)
		}
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "get identity by email").
			Wrap(err)
	}

	token, hash, err := GenerateResetToken()
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "generate token").
			Wrap(err)
	}

	reset, err := NewPasswordReset(identity.ID, hash, s.now().Add(s.tokenTTL))
	if err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "build reset").
			Wrap(err)
	}

	// Replace any prior reset so exactly one token is active per identity.
	if err := s.resets.DeleteByIdentity(ctx, identity.ID); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "clear previous reset").
			Wrap(err)
	}
	if err := s.resets.Create(ctx, reset); err != nil {
		return "", oops.Code("RESET_REQUEST_FAILED").
			With("operation", "persist reset").
			Wrap(err)
	}

	return BuildResetLink(s.linkBase, email, token), nil
}

// CompleteReset consumes a reset token and replaces the identity's password.
// Fails with ErrNotFound for an unknown email and ErrInvalidResetToken when
// the token does not match the active reset or has expired.
func (s *PasswordResetService) CompleteReset(ctx context.Context, email, token, newPassword string) error {
	if newPassword == "" {
		return oops.Code("AUTH_VALIDATION").Wrapf(ErrValidation, "new password is required")
	}

	identity, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_UNKNOWN_EMAIL").Wrap(ErrNotFound)
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "get identity by email").
			Wrap(err)
	}

	// Reset links carry a URL-escaped token; accept either form.
	if decoded, decErr := url.QueryUnescape(token); decErr == nil {
		token = decoded
	}

	reset, err := s.resets.GetByIdentity(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
		}
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "get active reset").
			Wrap(err)
	}
	if !VerifyResetToken(token, reset.TokenHash) || reset.IsExpired() {
		return oops.Code("RESET_TOKEN_INVALID").Wrap(ErrInvalidResetToken)
	}

	hashed, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "hash new password").
			Wrap(err)
	}

	if err := s.identities.UpdatePassword(ctx, identity.ID, hashed); err != nil {
		return oops.Code("RESET_COMPLETE_FAILED").
			With("operation", "update password").
			Wrap(err)
	}

	// Cleanup. The password was already updated; a failure here only leaves a
	// token that can no longer match and the expiry sweeper removes it.
	if err := s.resets.DeleteByIdentity(ctx, identity.ID); err != nil {
		errutil.LogWarn(s.logger, "best-effort reset cleanup failed", "delete_tokens", err)
	}

	return nil
}

// BuildResetLink embeds the email and URL-escaped token into the reset URL.
func BuildResetLink(base, email, token string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", token)
	return base + "?" + q.Encode()
}
